package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/howard-nolan/evalgate/internal/model"
	"github.com/howard-nolan/evalgate/internal/parse"
	"github.com/howard-nolan/evalgate/internal/prompt"
	"github.com/howard-nolan/evalgate/internal/provider"
	"github.com/howard-nolan/evalgate/internal/stream"
	"github.com/howard-nolan/evalgate/internal/usage"
)

// EvaluateNote streams the evaluation of a note as "feedback" chunks and
// completes with a StructuredFeedback. Output that cannot be parsed
// completes with the fallback feedback instead.
func (g *Gateway) EvaluateNote(ctx context.Context, userID string, req model.EvaluationRequest, sink Sink) error {
	if err := validateEvaluation(req); err != nil {
		return err
	}
	return g.run(ctx, job{
		command:   model.CommandEvaluateNote,
		userID:    userID,
		subjectID: req.SubjectID,
		provider:  req.Provider,
		model:     req.ModelID,
		progress:  stream.TypeFeedback,
		prompt:    prompt.NoteEvaluation(req.Content, req.Context),
		request:   req,
		finish: func(raw string) ([]byte, error) {
			return json.Marshal(g.evaluation(raw, req.SubjectID))
		},
	}, sink)
}

// GenerateQuiz streams generated questions as "question" chunks and
// completes with a QuizQuestionSet. There is no fallback: output without
// a usable question fails with ErrNoQuestions.
func (g *Gateway) GenerateQuiz(ctx context.Context, userID string, req model.QuizGenerationRequest, sink Sink) error {
	req, err := normalizeGeneration(req)
	if err != nil {
		return err
	}
	return g.run(ctx, job{
		command:   model.CommandGenerateQuiz,
		userID:    userID,
		subjectID: req.SubjectID,
		provider:  req.Provider,
		model:     req.ModelID,
		progress:  stream.TypeQuestion,
		prompt:    prompt.QuizGeneration(req),
		request:   req,
		finish: func(raw string) ([]byte, error) {
			questions, err := g.parser.QuizQuestions(raw)
			if err != nil {
				g.log.WithError(err).WithField("subject_id", req.SubjectID).Warn("quiz questions did not parse")
				return nil, ErrNoQuestions
			}
			if len(questions) == 0 {
				return nil, ErrNoQuestions
			}
			if len(questions) > req.QuestionCount {
				questions = questions[:req.QuestionCount]
			}
			return json.Marshal(model.QuizQuestionSet{Questions: questions})
		},
	}, sink)
}

// EvaluateQuiz streams feedback on a quiz attempt as "feedback" chunks
// and completes with a QuizFeedback whose score is computed locally.
func (g *Gateway) EvaluateQuiz(ctx context.Context, userID string, req model.QuizEvaluationRequest, sink Sink) error {
	if err := validateQuizEvaluation(req); err != nil {
		return err
	}
	return g.run(ctx, job{
		command:   model.CommandEvaluateQuiz,
		userID:    userID,
		subjectID: req.SubjectID,
		provider:  req.Provider,
		model:     req.ModelID,
		progress:  stream.TypeFeedback,
		prompt:    prompt.QuizEvaluation(req.Questions, req.Answers, req.Context),
		request:   req,
		finish: func(raw string) ([]byte, error) {
			fb, err := g.parser.QuizEvaluation(raw, req.Questions, req.Answers)
			if err != nil {
				g.log.WithError(err).WithField("subject_id", req.SubjectID).Warn("quiz feedback did not parse, using fallback")
				fb = parse.FallbackQuizEvaluation(req.Questions, req.Answers)
			}
			return json.Marshal(fb)
		},
	}, sink)
}

// EvaluateNoteOnce evaluates a note with a single blocking call. It
// follows the same rules as EvaluateNote without streaming.
func (g *Gateway) EvaluateNoteOnce(ctx context.Context, userID string, req model.EvaluationRequest) (*model.StructuredFeedback, error) {
	if err := validateEvaluation(req); err != nil {
		return nil, err
	}
	p, modelID, err := g.resolve(req.Provider, req.ModelID)
	if err != nil {
		return nil, err
	}
	log := g.log.WithFields(logrus.Fields{
		"command":    model.CommandEvaluateNote,
		"subject_id": req.SubjectID,
		"user_id":    userID,
		"provider":   req.Provider,
		"model":      modelID,
	})

	pr := prompt.NoteEvaluation(req.Content, req.Context)
	op := usage.Operation{
		UserID:   userID,
		Command:  model.CommandEvaluateNote,
		ModelID:  modelID,
		Provider: req.Provider,
		Request:  req,
	}
	raw, err := usage.Wrap(ctx, g.tracker, op, func(ctx context.Context) (string, *provider.Usage, error) {
		resp, err := p.Complete(ctx, &provider.CompletionRequest{
			Model:         modelID,
			SystemMessage: pr.System,
			UserMessage:   pr.User,
			MaxTokens:     g.maxTokens,
			JSONMode:      true,
		})
		if err != nil {
			return "", nil, err
		}
		return resp.Content, resp.Usage, nil
	})
	if err != nil {
		log.WithError(err).Warn("completion failed")
		return nil, err
	}

	fb := g.evaluation(raw, req.SubjectID)
	result, err := json.Marshal(fb)
	if err != nil {
		return nil, err
	}
	g.afterCompletion(ctx, model.CommandEvaluateNote, userID, req.SubjectID, modelID, result, log)
	return fb, nil
}

// evaluation parses a note evaluation, falling back when it cannot.
func (g *Gateway) evaluation(raw, subjectID string) *model.StructuredFeedback {
	fb, err := g.parser.Evaluation(raw)
	if err != nil {
		g.log.WithError(err).WithField("subject_id", subjectID).Warn("evaluation did not parse, using fallback")
		return parse.FallbackEvaluation(raw)
	}
	return fb
}

func validateEvaluation(req model.EvaluationRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return &RequestError{Field: "content", Reason: "must not be empty"}
	}
	return nil
}

func normalizeGeneration(req model.QuizGenerationRequest) (model.QuizGenerationRequest, error) {
	if strings.TrimSpace(req.Content) == "" {
		return req, &RequestError{Field: "content", Reason: "must not be empty"}
	}
	if req.QuestionCount == 0 {
		req.QuestionCount = DefaultQuestionCount
	}
	if req.QuestionCount < 1 || req.QuestionCount > MaxQuestionCount {
		return req, &RequestError{Field: "question_count", Reason: "must be between 1 and 20"}
	}
	if req.Difficulty == "" {
		req.Difficulty = model.DifficultyMedium
	}
	if !req.Difficulty.Valid() {
		return req, &RequestError{Field: "difficulty", Reason: "must be easy, medium, hard or mixed"}
	}
	return req, nil
}

func validateQuizEvaluation(req model.QuizEvaluationRequest) error {
	if len(req.Questions) == 0 {
		return &RequestError{Field: "questions", Reason: "must not be empty"}
	}
	seen := make(map[string]bool, len(req.Questions))
	for _, q := range req.Questions {
		if q.ID == "" {
			return &RequestError{Field: "questions", Reason: "every question needs an id"}
		}
		if seen[q.ID] {
			return &RequestError{Field: "questions", Reason: "duplicate question id " + q.ID}
		}
		seen[q.ID] = true
	}
	return nil
}
