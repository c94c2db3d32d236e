// Package usage records one audit entry per LLM operation: who ran it,
// how long it took, how many tokens it used and what it cost.
//
// Recording never fails the operation. A broken audit store is logged and
// counted, and the caller gets its result as if nothing happened.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/howard-nolan/evalgate/internal/metrics"
	"github.com/howard-nolan/evalgate/internal/model"
	"github.com/howard-nolan/evalgate/internal/provider"
)

// ErrStreamIncomplete is recorded for a stream that closed without an
// end-of-stream chunk.
var ErrStreamIncomplete = errors.New("stream ended before completion")

// LogWriter persists usage entries.
type LogWriter interface {
	PersistUsageLog(ctx context.Context, entry *model.UsageLogEntry) error
}

// Operation identifies what is being tracked.
type Operation struct {
	UserID   string
	Command  string
	ModelID  string
	Provider string
	// Request is stored as the entry's request payload.
	Request any
}

// Tracker wraps provider operations with timing, usage and cost recording.
type Tracker struct {
	logs    LogWriter
	pricing PricingSource
	bg      *Background
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewTracker returns a Tracker. Pricing lookups are cached for the life of
// the tracker; streaming entries are written on bg.
func NewTracker(logs LogWriter, pricing PricingSource, bg *Background, log logrus.FieldLogger) *Tracker {
	return &Tracker{
		logs:    logs,
		pricing: NewPricingCache(pricing),
		bg:      bg,
		log:     log,
		now:     time.Now,
	}
}

// Wrap runs a blocking operation and records exactly one entry for it
// before returning. fn reports the token usage it observed, or nil.
func Wrap[T any](ctx context.Context, t *Tracker, op Operation, fn func(ctx context.Context) (T, *provider.Usage, error)) (T, error) {
	start := t.now()
	res, u, err := fn(ctx)
	t.record(context.WithoutCancel(ctx), op, start, u, err)
	return res, err
}

// TrackedStream is a provider stream passed through a Tracker. Read C until
// it is closed; Usage is valid afterwards.
type TrackedStream struct {
	C     <-chan provider.StreamChunk
	usage *provider.Usage
}

// Usage returns the token usage reported by the final chunk, or nil when
// the provider did not report any. Call it only after C is closed.
func (s *TrackedStream) Usage() *provider.Usage {
	return s.usage
}

// WrapStream opens a provider stream and relays it unchanged. The entry is
// written in the background once the stream drains, so the caller sees
// the first chunk as soon as the provider sends it. When ctx is cancelled
// the relay stops forwarding and C is closed.
func (t *Tracker) WrapStream(ctx context.Context, op Operation, open func(ctx context.Context) (<-chan provider.StreamChunk, error)) (*TrackedStream, error) {
	start := t.now()

	src, err := open(ctx)
	if err != nil {
		t.recordLater(ctx, op, start, nil, err)
		return nil, err
	}

	out := make(chan provider.StreamChunk)
	ts := &TrackedStream{C: out}

	go func() {
		var (
			usage  *provider.Usage
			done   bool
			runErr error
		)

		for chunk := range src {
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Err != nil {
				runErr = chunk.Err
			}
			if chunk.Done {
				done = true
			}

			select {
			case out <- chunk:
			case <-ctx.Done():
				runErr = ctx.Err()
				// Let the adapter observe the cancellation and close.
				for range src {
				}
			}
		}

		if runErr == nil && !done {
			runErr = ErrStreamIncomplete
		}
		if runErr != nil {
			usage = nil
		}
		ts.usage = usage

		// Schedule before closing so a caller that saw C close and then
		// waits on the Background also waits for this entry.
		t.recordLater(ctx, op, start, usage, runErr)
		close(out)
	}()

	return ts, nil
}

func (t *Tracker) recordLater(ctx context.Context, op Operation, start time.Time, u *provider.Usage, opErr error) {
	end := t.now()
	t.bg.Go(ctx, "usage-log", func(ctx context.Context) error {
		t.write(ctx, t.entry(ctx, op, start, end, u, opErr))
		return nil
	})
}

func (t *Tracker) record(ctx context.Context, op Operation, start time.Time, u *provider.Usage, opErr error) {
	t.write(ctx, t.entry(ctx, op, start, t.now(), u, opErr))
}

// entry builds the audit record. Failed operations carry the error and no
// usage; successful ones carry tokens and cost when known.
func (t *Tracker) entry(ctx context.Context, op Operation, start, end time.Time, u *provider.Usage, opErr error) *model.UsageLogEntry {
	e := &model.UsageLogEntry{
		ID:         uuid.NewString(),
		UserID:     op.UserID,
		Command:    op.Command,
		ModelID:    op.ModelID,
		Provider:   op.Provider,
		Status:     model.UsageSuccess,
		DurationMs: end.Sub(start).Milliseconds(),
		CreatedAt:  end.UTC(),
	}

	if op.Request != nil {
		if b, err := json.Marshal(op.Request); err == nil {
			e.RequestPayload = b
		} else {
			t.log.WithError(err).WithField("command", op.Command).Warn("usage request payload not encodable")
		}
	}

	fields := logrus.Fields{
		"command":  op.Command,
		"model":    op.ModelID,
		"provider": op.Provider,
	}

	if opErr != nil {
		msg := opErr.Error()
		e.Status = model.UsageError
		e.ErrorMessage = &msg
		e.ResponsePayload = json.RawMessage(`{"success":false}`)
	} else {
		e.ResponsePayload = json.RawMessage(`{"success":true}`)
		if u == nil {
			e.UsageUnavailable = true
		} else {
			in, out, total := u.PromptTokens, u.CompletionTokens, u.TotalTokens
			if total == 0 {
				total = in + out
			}
			e.InputTokens, e.OutputTokens, e.TotalTokens = &in, &out, &total

			if p, err := t.pricing.ModelPricing(ctx, op.ModelID); err != nil {
				t.log.WithFields(fields).WithError(err).Warn("no pricing for model, cost omitted")
			} else {
				cost := Cost(p, in, out)
				e.CostUSD = &cost
			}
		}
	}

	observe(e)
	return e
}

func (t *Tracker) write(ctx context.Context, e *model.UsageLogEntry) {
	if err := t.logs.PersistUsageLog(ctx, e); err != nil {
		metrics.UsageLogWriteFailures.Inc()
		t.log.WithFields(logrus.Fields{
			"usage_id": e.ID,
			"command":  e.Command,
			"model":    e.ModelID,
			"status":   e.Status,
		}).WithError(err).Error("failed to write usage log")
	}
}

func observe(e *model.UsageLogEntry) {
	metrics.LLMCallTotal.WithLabelValues(e.Provider, e.ModelID, e.Command, string(e.Status)).Inc()
	metrics.LLMCallDuration.WithLabelValues(e.Provider, e.ModelID, e.Command).Observe(float64(e.DurationMs) / 1000)
	if e.InputTokens != nil && *e.InputTokens > 0 {
		metrics.LLMTokensUsed.WithLabelValues(e.Provider, e.ModelID, "input").Add(float64(*e.InputTokens))
	}
	if e.OutputTokens != nil && *e.OutputTokens > 0 {
		metrics.LLMTokensUsed.WithLabelValues(e.Provider, e.ModelID, "output").Add(float64(*e.OutputTokens))
	}
	if e.CostUSD != nil && *e.CostUSD > 0 {
		metrics.LLMCostUSD.WithLabelValues(e.ModelID).Add(*e.CostUSD)
	}
}
