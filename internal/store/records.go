package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/evalgate/internal/model"
)

// ModelPricing returns the price of a model, or ErrNotFound.
func (s *Store) ModelPricing(ctx context.Context, modelID string) (*model.ModelPricing, error) {
	p := model.ModelPricing{ModelID: modelID}
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT input_cost_per_million, output_cost_per_million FROM model_pricing WHERE model_id = ?`),
		modelID,
	).Scan(&p.InputCostPerMillionTokens, &p.OutputCostPerMillionTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pricing for model %q: %w", modelID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query pricing: %w", err)
	}
	return &p, nil
}

// UpsertPricing inserts or replaces the price of a model.
func (s *Store) UpsertPricing(ctx context.Context, p model.ModelPricing) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO model_pricing (model_id, input_cost_per_million, output_cost_per_million, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (model_id) DO UPDATE SET
			input_cost_per_million = excluded.input_cost_per_million,
			output_cost_per_million = excluded.output_cost_per_million,
			updated_at = excluded.updated_at`),
		p.ModelID, p.InputCostPerMillionTokens, p.OutputCostPerMillionTokens, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert pricing: %w", err)
	}
	return nil
}

// ListPricing returns every priced model ordered by id.
func (s *Store) ListPricing(ctx context.Context) ([]model.ModelPricing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model_id, input_cost_per_million, output_cost_per_million FROM model_pricing ORDER BY model_id`)
	if err != nil {
		return nil, fmt.Errorf("list pricing: %w", err)
	}
	defer rows.Close()

	var prices []model.ModelPricing
	for rows.Next() {
		var p model.ModelPricing
		if err := rows.Scan(&p.ModelID, &p.InputCostPerMillionTokens, &p.OutputCostPerMillionTokens); err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// PersistInteraction stores a gateway result and returns its id.
func (s *Store) PersistInteraction(ctx context.Context, in *model.Interaction) (string, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO interactions (id, user_id, subject_id, command, model_id, result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		in.ID, in.UserID, in.SubjectID, in.Command, in.ModelID, string(in.Result), in.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert interaction: %w", err)
	}
	return in.ID, nil
}

// Interaction returns one stored result, or ErrNotFound.
func (s *Store) Interaction(ctx context.Context, id string) (*model.Interaction, error) {
	var (
		in     model.Interaction
		result string
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, user_id, subject_id, command, model_id, result, created_at FROM interactions WHERE id = ?`),
		id,
	).Scan(&in.ID, &in.UserID, &in.SubjectID, &in.Command, &in.ModelID, &result, &in.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("interaction %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query interaction: %w", err)
	}
	in.Result = []byte(result)
	return &in, nil
}

// PersistUsageLog appends a usage entry. Entries are never updated.
func (s *Store) PersistUsageLog(ctx context.Context, e *model.UsageLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO usage_logs (id, user_id, command, model_id, provider, status,
			input_tokens, output_tokens, total_tokens, cost_usd, duration_ms, error_message,
			request_payload, response_payload, usage_unavailable, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.UserID, e.Command, e.ModelID, e.Provider, string(e.Status),
		nullInt(e.InputTokens), nullInt(e.OutputTokens), nullInt(e.TotalTokens), nullFloat(e.CostUSD),
		e.DurationMs, nullString(e.ErrorMessage),
		nullableJSON(e.RequestPayload), nullableJSON(e.ResponsePayload), e.UsageUnavailable, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

// UsageLogs returns the newest entries of a user, at most limit.
func (s *Store) UsageLogs(ctx context.Context, userID string, limit int) ([]model.UsageLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, user_id, command, model_id, provider, status,
			input_tokens, output_tokens, total_tokens, cost_usd, duration_ms, error_message,
			request_payload, response_payload, usage_unavailable, created_at
		 FROM usage_logs WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?`),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage logs: %w", err)
	}
	defer rows.Close()

	var entries []model.UsageLogEntry
	for rows.Next() {
		var (
			e                  model.UsageLogEntry
			status             string
			in, out, total     sql.NullInt64
			cost               sql.NullFloat64
			errMsg, reqP, resP sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Command, &e.ModelID, &e.Provider, &status,
			&in, &out, &total, &cost, &e.DurationMs, &errMsg,
			&reqP, &resP, &e.UsageUnavailable, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = model.UsageStatus(status)
		e.InputTokens = intPtr(in)
		e.OutputTokens = intPtr(out)
		e.TotalTokens = intPtr(total)
		if cost.Valid {
			e.CostUSD = &cost.Float64
		}
		if errMsg.Valid {
			e.ErrorMessage = &errMsg.String
		}
		if reqP.Valid {
			e.RequestPayload = []byte(reqP.String)
		}
		if resP.Valid {
			e.ResponsePayload = []byte(resP.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
