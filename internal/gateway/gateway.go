// Package gateway orchestrates one evaluation or quiz request: it resolves
// the provider and model, builds the prompt, relays the provider's deltas
// to the caller as progress chunks, parses the finished text and, once
// the result is delivered, persists it and charges credits.
//
// Every request ends in exactly one terminal chunk, and it is the last
// chunk written. Configuration errors are returned before the first chunk
// so the caller can answer with a plain error instead.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/howard-nolan/evalgate/internal/metrics"
	"github.com/howard-nolan/evalgate/internal/model"
	"github.com/howard-nolan/evalgate/internal/parse"
	"github.com/howard-nolan/evalgate/internal/prompt"
	"github.com/howard-nolan/evalgate/internal/provider"
	"github.com/howard-nolan/evalgate/internal/stream"
	"github.com/howard-nolan/evalgate/internal/usage"
)

// Sink receives the chunks of one request. A Send error means the caller
// is gone.
type Sink interface {
	Send(stream.Chunk) error
}

// InteractionStore persists completed results.
type InteractionStore interface {
	PersistInteraction(ctx context.Context, in *model.Interaction) (string, error)
}

// CreditDeductor charges a user for a completed command. It must be
// idempotent on relatedActionID.
type CreditDeductor interface {
	DeductCredits(ctx context.Context, userID, command, description, relatedActionID string) (model.CreditDeduction, error)
}

// Quiz generation limits.
const (
	DefaultQuestionCount = 5
	MaxQuestionCount     = 20
)

// Config holds the collaborators of a Gateway. Interactions and Credits
// are optional; without them completed results are neither stored nor
// billed.
type Config struct {
	Registry *provider.Registry
	// Models lists the accepted model ids per provider id. The first
	// model is used when a request names none.
	Models       map[string][]string
	Tracker      *usage.Tracker
	Interactions InteractionStore
	Credits      CreditDeductor
	Parser       parse.Parser
	Logger       logrus.FieldLogger
	// MaxTokens caps the output of every call; 0 leaves it to the adapter.
	MaxTokens int
}

type Gateway struct {
	registry     *provider.Registry
	models       map[string][]string
	tracker      *usage.Tracker
	interactions InteractionStore
	credits      CreditDeductor
	parser       parse.Parser
	log          logrus.FieldLogger
	maxTokens    int
}

func New(cfg Config) *Gateway {
	g := &Gateway{
		registry:     cfg.Registry,
		models:       cfg.Models,
		tracker:      cfg.Tracker,
		interactions: cfg.Interactions,
		credits:      cfg.Credits,
		parser:       cfg.Parser,
		log:          cfg.Logger,
		maxTokens:    cfg.MaxTokens,
	}
	if g.parser == nil {
		g.parser = parse.Heuristic{}
	}
	return g
}

// job is one streaming request, whatever its command.
type job struct {
	command   string
	userID    string
	subjectID string
	provider  string
	model     string
	progress  stream.ChunkType
	prompt    prompt.Prompt
	request   any
	// finish turns the full model output into the JSON result. An error
	// fails the request.
	finish func(raw string) ([]byte, error)
}

// resolve performs Idle -> Dispatching checks: the provider must be
// registered and the model in its catalog. It returns the model to use.
func (g *Gateway) resolve(providerID, modelID string) (provider.Provider, string, error) {
	p, err := g.registry.Lookup(providerID)
	if err != nil {
		return nil, "", err
	}

	catalog := g.models[providerID]
	if modelID == "" {
		if len(catalog) == 0 {
			return nil, "", &UnsupportedModelError{Provider: providerID}
		}
		return p, catalog[0], nil
	}
	if len(catalog) > 0 && !slices.Contains(catalog, modelID) {
		return nil, "", &UnsupportedModelError{Provider: providerID, Model: modelID}
	}
	return p, modelID, nil
}

// run drives one request through the state machine, writing chunks to
// sink. Errors returned before any chunk are configuration errors;
// anything after has already been reported to the caller as a chunk.
func (g *Gateway) run(ctx context.Context, j job, sink Sink) error {
	var m machine
	log := g.log.WithFields(logrus.Fields{
		"command":    j.command,
		"subject_id": j.subjectID,
		"user_id":    j.userID,
		"provider":   j.provider,
	})

	p, modelID, err := g.resolve(j.provider, j.model)
	if err != nil {
		m.to(stream.StateFailed)
		log.WithError(err).Info("request rejected")
		return err
	}
	j.model = modelID
	log = log.WithField("model", modelID)
	m.to(stream.StateDispatching)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.StreamsInFlight.Inc()
	defer metrics.StreamsInFlight.Dec()

	op := usage.Operation{
		UserID:   j.userID,
		Command:  j.command,
		ModelID:  modelID,
		Provider: j.provider,
		Request:  j.request,
	}
	ts, err := g.tracker.WrapStream(ctx, op, func(ctx context.Context) (<-chan provider.StreamChunk, error) {
		return p.StreamCompletion(ctx, &provider.CompletionRequest{
			Model:         modelID,
			SystemMessage: j.prompt.System,
			UserMessage:   j.prompt.User,
			MaxTokens:     g.maxTokens,
			JSONMode:      true,
		})
	})
	if err != nil {
		m.to(stream.StateFailed)
		log.WithError(err).Warn("provider stream failed to open")
		g.sendTerminal(sink, stream.Error(Redact(err)), log)
		return err
	}
	m.to(stream.StateStreaming)

	var (
		raw       strings.Builder
		done      bool
		streamErr error
	)
	for chunk := range ts.C {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
		if chunk.Done {
			done = true
		}
		if chunk.Delta == "" || streamErr != nil {
			continue
		}

		raw.WriteString(chunk.Delta)
		if err := sink.Send(stream.Progress(j.progress, chunk.Delta)); err != nil {
			// The caller is gone: stop the provider and drop the result.
			cancel()
			for range ts.C {
			}
			m.to(stream.StateFailed)
			log.WithError(err).Info("client disconnected mid-stream")
			return fmt.Errorf("sending progress: %w", err)
		}
	}

	if streamErr == nil && !done {
		streamErr = usage.ErrStreamIncomplete
		if err := ctx.Err(); err != nil {
			streamErr = err
		}
	}
	if streamErr != nil {
		m.to(stream.StateFailed)
		log.WithError(streamErr).Warn("provider stream failed")
		g.sendTerminal(sink, stream.Error(Redact(streamErr)), log)
		return streamErr
	}

	result, err := j.finish(raw.String())
	if err != nil {
		m.to(stream.StateFailed)
		log.WithError(err).Warn("model output unusable")
		g.sendTerminal(sink, stream.Error(Redact(err)), log)
		return err
	}

	if err := sink.Send(stream.Complete(result)); err != nil {
		m.to(stream.StateFailed)
		log.WithError(err).Info("client disconnected before the result")
		return fmt.Errorf("sending result: %w", err)
	}
	m.to(stream.StateCompleted)

	g.afterCompletion(ctx, j.command, j.userID, j.subjectID, modelID, result, log)
	return nil
}

// sendTerminal writes an error chunk. A failure here only means the
// caller already left.
func (g *Gateway) sendTerminal(sink Sink, c stream.Chunk, log logrus.FieldLogger) {
	if err := sink.Send(c); err != nil {
		log.WithError(err).Debug("could not deliver terminal chunk")
	}
}

// afterCompletion persists the result, then charges for it. Neither
// failure changes what the caller already received.
func (g *Gateway) afterCompletion(ctx context.Context, command, userID, subjectID, modelID string, result []byte, log logrus.FieldLogger) {
	// The caller may hang up right after the terminal chunk.
	ctx = context.WithoutCancel(ctx)
	actionID := uuid.NewString()

	if g.interactions != nil {
		_, err := g.interactions.PersistInteraction(ctx, &model.Interaction{
			ID:        actionID,
			UserID:    userID,
			SubjectID: subjectID,
			Command:   command,
			ModelID:   modelID,
			Result:    json.RawMessage(result),
		})
		if err != nil {
			log.WithError(err).Error("failed to persist interaction")
		}
	}

	if g.credits != nil {
		res, err := g.credits.DeductCredits(ctx, userID, command, describe(command, subjectID), actionID)
		switch {
		case err != nil:
			metrics.CreditDeductionFailures.Inc()
			log.WithError(err).Error("credit deduction failed")
		case !res.Success:
			metrics.CreditDeductionFailures.Inc()
			log.WithField("reason", res.Error).Warn("credit deduction refused")
		}
	}
}

func describe(command, subjectID string) string {
	switch command {
	case model.CommandEvaluateNote:
		return "Note evaluation for " + subjectID
	case model.CommandGenerateQuiz:
		return "Quiz generation for " + subjectID
	case model.CommandEvaluateQuiz:
		return "Quiz evaluation for " + subjectID
	}
	return command + " for " + subjectID
}
