// Package model holds the record shapes shared by the gateway, the parser,
// the prompt builders, the usage tracker and the storage backends.
package model

import (
	"encoding/json"
	"time"
)

// VideoContext is the optional lecture context attached to a note or quiz.
// Zero-valued fields are left out of prompts.
type VideoContext struct {
	Title            string `json:"title,omitempty"`
	Description      string `json:"description,omitempty"`
	Tutorial         string `json:"tutorial,omitempty"`
	TimestampSeconds int    `json:"timestamp_seconds,omitempty"`
}

// IsZero reports whether no context field is set.
func (c *VideoContext) IsZero() bool {
	return c == nil || (c.Title == "" && c.Description == "" && c.Tutorial == "" && c.TimestampSeconds <= 0)
}

// EvaluationRequest asks for a single note to be evaluated. It is immutable
// once submitted; ModelID and Provider together select one provider adapter.
type EvaluationRequest struct {
	SubjectID string        `json:"subject_id"`
	ModelID   string        `json:"model"`
	Provider  string        `json:"provider"`
	Content   string        `json:"content"`
	Context   *VideoContext `json:"context,omitempty"`
}

// Difficulty is the requested difficulty of generated quiz questions.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
	DifficultyMixed  Difficulty = "mixed"
)

// Valid reports whether d is one of the known difficulties.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard, DifficultyMixed:
		return true
	}
	return false
}

// QuizGenerationRequest asks for QuestionCount multiple-choice questions
// built from the note content.
type QuizGenerationRequest struct {
	SubjectID     string        `json:"subject_id"`
	ModelID       string        `json:"model"`
	Provider      string        `json:"provider"`
	Content       string        `json:"content"`
	Context       *VideoContext `json:"context,omitempty"`
	QuestionCount int           `json:"question_count"`
	Difficulty    Difficulty    `json:"difficulty"`
	Topics        []string      `json:"topics,omitempty"`
}

// QuizEvaluationRequest asks for feedback on a submitted quiz attempt.
// Answers maps question id to the chosen option letter.
type QuizEvaluationRequest struct {
	SubjectID string            `json:"subject_id"`
	ModelID   string            `json:"model"`
	Provider  string            `json:"provider"`
	Questions []QuizQuestion    `json:"questions"`
	Answers   map[string]string `json:"answers"`
	Context   *VideoContext     `json:"context,omitempty"`
}

// StructuredFeedback is the parsed result of a note evaluation.
type StructuredFeedback struct {
	Summary                string   `json:"summary"`
	CorrectPoints          []string `json:"correct_points"`
	IncorrectPoints        []string `json:"incorrect_points"`
	ImprovementSuggestions []string `json:"improvement_suggestions"`
	OverallScore           int      `json:"overall_score"`
	DetailedAnalysis       string   `json:"detailed_analysis"`
}

// QuizOptions are the four answer choices of a question.
type QuizOptions struct {
	A string `json:"A"`
	B string `json:"B"`
	C string `json:"C"`
	D string `json:"D"`
}

// QuizQuestion is one generated multiple-choice question.
type QuizQuestion struct {
	ID            string      `json:"id"`
	Question      string      `json:"question"`
	Options       QuizOptions `json:"options"`
	CorrectAnswer string      `json:"correctAnswer"`
	Explanation   string      `json:"explanation"`
	Topic         string      `json:"topic"`
	Difficulty    Difficulty  `json:"difficulty"`
}

// QuizQuestionSet is the wrapper object generation prompts ask for.
type QuizQuestionSet struct {
	Questions []QuizQuestion `json:"questions"`
}

// QuestionResult is the per-question outcome inside QuizFeedback.
type QuestionResult struct {
	QuestionID    string `json:"questionId"`
	UserAnswer    string `json:"userAnswer"`
	CorrectAnswer string `json:"correctAnswer"`
	IsCorrect     bool   `json:"isCorrect"`
	Feedback      string `json:"feedback"`
}

// TopicPerformance aggregates results for one topic.
type TopicPerformance struct {
	Correct    int `json:"correct"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// QuizFeedback is the parsed result of a quiz evaluation.
type QuizFeedback struct {
	TotalQuestions      int                         `json:"totalQuestions"`
	CorrectAnswers      int                         `json:"correctAnswers"`
	Score               int                         `json:"score"`
	Results             []QuestionResult            `json:"results"`
	Strengths           []string                    `json:"strengths"`
	AreasForImprovement []string                    `json:"areasForImprovement"`
	PerformanceByTopic  map[string]TopicPerformance `json:"performanceByTopic"`
	OverallFeedback     string                      `json:"overallFeedback"`
}

// UsageStatus is the outcome recorded for one tracked operation.
type UsageStatus string

const (
	UsageSuccess UsageStatus = "success"
	UsageError   UsageStatus = "error"
)

// UsageLogEntry is the append-only audit record of one logical operation.
// Token and cost fields are nil when unknown.
type UsageLogEntry struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Command          string          `json:"command"`
	ModelID          string          `json:"model_id"`
	Provider         string          `json:"provider"`
	Status           UsageStatus     `json:"status"`
	InputTokens      *int            `json:"input_tokens,omitempty"`
	OutputTokens     *int            `json:"output_tokens,omitempty"`
	TotalTokens      *int            `json:"total_tokens,omitempty"`
	CostUSD          *float64        `json:"cost_usd,omitempty"`
	DurationMs       int64           `json:"duration_ms"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	RequestPayload   json.RawMessage `json:"request_payload,omitempty"`
	ResponsePayload  json.RawMessage `json:"response_payload,omitempty"`
	UsageUnavailable bool            `json:"usage_unavailable"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ModelPricing is the per-million-token price of one model.
type ModelPricing struct {
	ModelID                    string  `json:"model_id"`
	InputCostPerMillionTokens  float64 `json:"input_cost_per_million_tokens"`
	OutputCostPerMillionTokens float64 `json:"output_cost_per_million_tokens"`
}

// Interaction is a persisted gateway result.
type Interaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	SubjectID string          `json:"subject_id"`
	Command   string          `json:"command"`
	ModelID   string          `json:"model_id"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreditDeduction is the outcome of a billing call.
type CreditDeduction struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
