// Package parse turns the free-form text a model produced into the
// structured results the gateway persists and the client renders.
//
// The extraction is a heuristic: strip markdown fences, take the greedy
// span from the first '{' to the last '}', decode it and coerce fields
// into shape. A result that cannot be recovered is reported as a
// *ParseError, which callers replace with one of the Fallback values.
package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/howard-nolan/evalgate/internal/model"
)

// Parser converts accumulated model output into structured results.
// Heuristic is the default; a schema-constrained decoder can replace it
// without changes to the gateway or the consumer.
type Parser interface {
	Evaluation(raw string) (*model.StructuredFeedback, error)
	QuizQuestions(raw string) ([]model.QuizQuestion, error)
	QuizEvaluation(raw string, questions []model.QuizQuestion, answers map[string]string) (*model.QuizFeedback, error)
}

// Heuristic is the regex-and-coercion Parser.
type Heuristic struct{}

var _ Parser = Heuristic{}

func (Heuristic) Evaluation(raw string) (*model.StructuredFeedback, error) {
	return Evaluation(raw)
}

func (Heuristic) QuizQuestions(raw string) ([]model.QuizQuestion, error) {
	return QuizQuestions(raw)
}

func (Heuristic) QuizEvaluation(raw string, questions []model.QuizQuestion, answers map[string]string) (*model.QuizFeedback, error) {
	return QuizEvaluation(raw, questions, answers)
}

// Parse stages reported in ParseError.
const (
	StageExtract  = "extract"
	StageDecode   = "decode"
	StageValidate = "validate"
)

// ErrNoJSONObject is wrapped by a ParseError when the text holds no
// '{...}' span at all.
var ErrNoJSONObject = errors.New("no JSON object found")

// ParseError reports model output that could not be turned into a result.
type ParseError struct {
	Stage string
	Raw   string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var objectSpan = regexp.MustCompile(`(?s)\{.*\}`)

// Sanitize trims text and strips a leading ```json or ``` fence and a
// trailing ``` fence. Applying it twice gives the same result as once.
func Sanitize(text string) string {
	for {
		s := strings.TrimSpace(text)
		if rest, ok := strings.CutPrefix(s, "```json"); ok {
			s = rest
		} else if rest, ok := strings.CutPrefix(s, "```"); ok {
			s = rest
		}
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
		if s == text {
			return s
		}
		text = s
	}
}

// ExtractJSON returns the greedy span from the first '{' to the last '}'.
func ExtractJSON(text string) (string, bool) {
	m := objectSpan.FindString(text)
	return m, m != ""
}

// decodeObject runs the sanitize/extract/decode pipeline, then checks and
// coerces the result against fields.
func decodeObject(raw string, fields []model.Field) (map[string]any, error) {
	candidate, ok := ExtractJSON(Sanitize(raw))
	if !ok {
		return nil, &ParseError{Stage: StageExtract, Raw: raw, Err: ErrNoJSONObject}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, &ParseError{Stage: StageDecode, Raw: raw, Err: err}
	}
	if err := checkRequired(obj, fields); err != nil {
		return nil, &ParseError{Stage: StageValidate, Raw: raw, Err: err}
	}
	coerceArrays(obj, fields)
	return obj, nil
}

// checkRequired passes when obj carries at least one of the required
// fields in its declared kind. A list without required fields always
// passes.
func checkRequired(obj map[string]any, fields []model.Field) error {
	var missing []string
	for _, f := range fields {
		if !f.Required {
			continue
		}
		if hasKind(obj[f.Name], f.Kind) {
			return nil
		}
		missing = append(missing, fmt.Sprintf("%s %q", f.Kind, f.Name))
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("missing %s", strings.Join(missing, " or "))
}

// coerceArrays replaces absent or mistyped array fields with empty arrays.
func coerceArrays(obj map[string]any, fields []model.Field) {
	for _, f := range fields {
		if f.Kind != model.KindArray {
			continue
		}
		if _, ok := obj[f.Name].([]any); !ok {
			obj[f.Name] = []any{}
		}
	}
}

func hasKind(v any, kind string) bool {
	switch kind {
	case model.KindString:
		_, ok := v.(string)
		return ok
	case model.KindNumber:
		_, ok := number(v)
		return ok
	case model.KindBool:
		_, ok := v.(bool)
		return ok
	case model.KindArray:
		_, ok := v.([]any)
		return ok
	case model.KindObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

// Evaluation parses a note evaluation. The object must carry either a
// summary or a numeric overall_score.
func Evaluation(raw string) (*model.StructuredFeedback, error) {
	obj, err := decodeObject(raw, model.EvaluationFields())
	if err != nil {
		return nil, err
	}

	summary, _ := obj[model.KeySummary].(string)
	score, _ := number(obj[model.KeyOverallScore])
	detailed, _ := obj[model.KeyDetailedAnalysis].(string)
	return &model.StructuredFeedback{
		Summary:                summary,
		CorrectPoints:          stringList(obj[model.KeyCorrectPoints]),
		IncorrectPoints:        stringList(obj[model.KeyIncorrectPoints]),
		ImprovementSuggestions: stringList(obj[model.KeyImprovementSuggestions]),
		OverallScore:           clamp(int(math.Round(score)), 0, 10),
		DetailedAnalysis:       detailed,
	}, nil
}

// QuizQuestions parses generated questions. A missing "questions" array
// is an error; elements without question text or a valid answer letter
// are dropped, so the result may be empty.
func QuizQuestions(raw string) ([]model.QuizQuestion, error) {
	obj, err := decodeObject(raw, model.QuizGenerationFields())
	if err != nil {
		return nil, err
	}

	items := obj[model.KeyQuestions].([]any)
	questions := make([]model.QuizQuestion, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok || checkRequired(m, model.QuizQuestionFields()) != nil {
			continue
		}
		q := model.QuizQuestion{
			ID:            strings.TrimSpace(str(m[model.KeyID])),
			Question:      strings.TrimSpace(str(m[model.KeyQuestion])),
			CorrectAnswer: strings.ToUpper(strings.TrimSpace(str(m[model.KeyCorrectAnswer]))),
			Explanation:   str(m[model.KeyExplanation]),
			Topic:         strings.TrimSpace(str(m[model.KeyTopic])),
			Difficulty:    model.Difficulty(strings.ToLower(str(m[model.KeyDifficulty]))),
		}
		if opts, ok := m[model.KeyOptions].(map[string]any); ok {
			q.Options = model.QuizOptions{
				A: str(opts["A"]),
				B: str(opts["B"]),
				C: str(opts["C"]),
				D: str(opts["D"]),
			}
		}
		if q.Question == "" {
			continue
		}
		if _, ok := q.Options.Option(q.CorrectAnswer); !ok {
			continue
		}
		if !q.Difficulty.Valid() || q.Difficulty == model.DifficultyMixed {
			q.Difficulty = ""
		}
		questions = append(questions, q)
	}

	// Fill missing ids after filtering so they stay sequential.
	for i := range questions {
		if questions[i].ID == "" {
			questions[i].ID = "q" + strconv.Itoa(i+1)
		}
	}
	return questions, nil
}

// QuizEvaluation parses feedback on a quiz attempt. Only the narrative
// fields come from the model; totals, score, correctness and topic
// performance are computed from questions and answers.
func QuizEvaluation(raw string, questions []model.QuizQuestion, answers map[string]string) (*model.QuizFeedback, error) {
	obj, err := decodeObject(raw, model.QuizEvaluationFields())
	if err != nil {
		return nil, err
	}

	fb := Score(questions, answers)

	notes := make(map[string]string)
	for _, item := range obj[model.KeyResults].([]any) {
		m, ok := item.(map[string]any)
		if !ok || checkRequired(m, model.QuizResultFields()) != nil {
			continue
		}
		notes[str(m[model.KeyQuestionID])] = str(m[model.KeyFeedback])
	}
	for i := range fb.Results {
		fb.Results[i].Feedback = notes[fb.Results[i].QuestionID]
	}

	fb.Strengths = stringList(obj[model.KeyStrengths])
	fb.AreasForImprovement = stringList(obj[model.KeyAreasForImprovement])
	fb.OverallFeedback, _ = obj[model.KeyOverallFeedback].(string)
	return fb, nil
}

// number reports v as a float when it is a JSON number or a numeric string.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// stringList coerces v into a non-nil string slice. Non-arrays become
// empty; non-string elements are skipped.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}

func clamp(n, lo, hi int) int {
	return max(lo, min(n, hi))
}
