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

// ErrInsufficientCredits is reported when a balance cannot cover a command.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Balance returns the credit balance of a user.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	return balance(ctx, s.db, s.q, userID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balance(ctx context.Context, db queryer, q func(string) string, userID string) (int64, error) {
	var total sql.NullInt64
	err := db.QueryRowContext(ctx, q(`SELECT SUM(amount) FROM credit_ledger WHERE user_id = ?`), userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return total.Int64, nil
}

// GrantCredits adds amount credits to a user.
func (s *Store) GrantCredits(ctx context.Context, userID string, amount int64, description string) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO credit_ledger (id, user_id, amount, command, description, created_at)
		 VALUES (?, ?, ?, '', ?, ?)`),
		uuid.NewString(), userID, amount, description, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

// CommandCost returns the credits charged for a command.
func (s *Store) CommandCost(command string) int64 {
	if c, ok := s.costs[command]; ok {
		return c
	}
	return DefaultCommandCost
}

// DeductCredits charges a user for one completed command. It is
// idempotent on relatedActionID: a second call for the same action
// reports success without charging again. An insufficient balance is a
// failed deduction, not an error; errors are reserved for the database.
func (s *Store) DeductCredits(ctx context.Context, userID, command, description, relatedActionID string) (model.CreditDeduction, error) {
	cost := s.CommandCost(command)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.CreditDeduction{}, fmt.Errorf("begin deduction: %w", err)
	}
	defer tx.Rollback()

	if relatedActionID != "" {
		var exists int
		err := tx.QueryRowContext(ctx,
			s.q(`SELECT 1 FROM credit_ledger WHERE related_action_id = ?`), relatedActionID,
		).Scan(&exists)
		if err == nil {
			return model.CreditDeduction{Success: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return model.CreditDeduction{}, fmt.Errorf("check deduction: %w", err)
		}
	}

	bal, err := balance(ctx, tx, s.q, userID)
	if err != nil {
		return model.CreditDeduction{}, err
	}
	if bal < cost {
		return model.CreditDeduction{
			Error: fmt.Sprintf("%s: balance %d, %s costs %d", ErrInsufficientCredits, bal, command, cost),
		}, nil
	}

	if cost > 0 {
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO credit_ledger (id, user_id, amount, command, description, related_action_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			uuid.NewString(), userID, -cost, command, description, nullIfEmpty(relatedActionID), time.Now().UTC(),
		)
		if err != nil {
			return model.CreditDeduction{}, fmt.Errorf("insert deduction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.CreditDeduction{}, fmt.Errorf("commit deduction: %w", err)
	}
	return model.CreditDeduction{Success: true}, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
