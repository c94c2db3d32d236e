package parse

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/evalgate/internal/model"
	"github.com/howard-nolan/evalgate/internal/prompt"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding space", "  \n{\"a\":1}\t\n", `{"a":1}`},
		{"no fence", `{"a":1}`, `{"a":1}`},
		{"only opening fence", "```json {\"a\":1}", `{"a":1}`},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Sanitize(got), "sanitize must be idempotent")
		})
	}
}

func TestExtractJSON(t *testing.T) {
	got, ok := ExtractJSON(`Sure! Here it is: {"a":{"b":1}} hope that helps {"c":2}.`)
	require.True(t, ok)
	assert.Equal(t, `{"a":{"b":1}} hope that helps {"c":2}`, got, "span is greedy from first { to last }")

	_, ok = ExtractJSON("no braces here")
	assert.False(t, ok)
}

func TestEvaluationFencedJSON(t *testing.T) {
	raw := "```json\n{\"summary\":\"ok\",\"overall_score\":7,\"correct_points\":[],\"incorrect_points\":[],\"improvement_suggestions\":[],\"detailed_analysis\":\"fine\"}\n```"

	fb, err := Evaluation(raw)
	require.NoError(t, err)
	assert.Equal(t, &model.StructuredFeedback{
		Summary:                "ok",
		CorrectPoints:          []string{},
		IncorrectPoints:        []string{},
		ImprovementSuggestions: []string{},
		OverallScore:           7,
		DetailedAnalysis:       "fine",
	}, fb)
}

func TestEvaluationNotJSON(t *testing.T) {
	raw := "not json at all"

	_, err := Evaluation(raw)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StageExtract, pe.Stage)
	assert.ErrorIs(t, err, ErrNoJSONObject)

	fb := FallbackEvaluation(raw)
	assert.Equal(t, 0, fb.OverallScore)
	assert.Equal(t, "not json at all", fb.DetailedAnalysis)
	assert.Equal(t, []string{"please retry"}, fb.ImprovementSuggestions)
}

func TestFallbackEvaluationEmpty(t *testing.T) {
	fb := FallbackEvaluation("  ")
	assert.Equal(t, "No content received", fb.DetailedAnalysis)
	assert.NotNil(t, fb.CorrectPoints)
}

func TestEvaluationCoercion(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantScore int
		check     func(t *testing.T, fb *model.StructuredFeedback)
	}{
		{
			name:      "non-array lists become empty",
			raw:       `{"summary":"s","overall_score":5,"correct_points":"yes","incorrect_points":null}`,
			wantScore: 5,
			check: func(t *testing.T, fb *model.StructuredFeedback) {
				assert.Equal(t, []string{}, fb.CorrectPoints)
				assert.Equal(t, []string{}, fb.IncorrectPoints)
				assert.Equal(t, []string{}, fb.ImprovementSuggestions)
				assert.Equal(t, "", fb.DetailedAnalysis)
			},
		},
		{
			name:      "non-numeric score becomes zero",
			raw:       `{"summary":"s","overall_score":"great"}`,
			wantScore: 0,
		},
		{
			name:      "missing summary with numeric score",
			raw:       `{"overall_score":8}`,
			wantScore: 8,
			check: func(t *testing.T, fb *model.StructuredFeedback) {
				assert.Equal(t, "", fb.Summary)
			},
		},
		{
			name:      "numeric string score",
			raw:       `{"summary":"s","overall_score":"6"}`,
			wantScore: 6,
		},
		{
			name:      "float score rounded and clamped",
			raw:       `{"summary":"s","overall_score":12.6}`,
			wantScore: 10,
		},
		{
			name:      "prose around object",
			raw:       "Here is my review:\n{\"summary\":\"s\",\"overall_score\":3}\nThanks!",
			wantScore: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb, err := Evaluation(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, fb.OverallScore)
			if tt.check != nil {
				tt.check(t, fb)
			}
		})
	}
}

func TestEvaluationErrors(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		stage string
	}{
		{"broken json", `{"summary": "ok", "overall_score": }`, StageDecode},
		{"no summary and no score", `{"overall_score":"n/a","detailed_analysis":"x"}`, StageValidate},
		{"array instead of object", `["summary"]`, StageExtract},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluation(tt.raw)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.stage, pe.Stage)
			assert.Equal(t, tt.raw, pe.Raw)
		})
	}
}

// sampleObject fills every field with a value of its declared kind.
func sampleObject(t *testing.T, fields []model.Field) string {
	t.Helper()
	obj := make(map[string]any, len(fields))
	for _, f := range fields {
		switch f.Kind {
		case model.KindNumber:
			obj[f.Name] = 7
		case model.KindArray:
			obj[f.Name] = []string{f.Name}
		case model.KindBool:
			obj[f.Name] = true
		case model.KindObject:
			obj[f.Name] = map[string]any{}
		default:
			obj[f.Name] = f.Name
		}
	}
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	return string(raw)
}

func TestEvaluationReadsPromptedKeys(t *testing.T) {
	fields := model.EvaluationFields()

	p := prompt.NoteEvaluation("note", nil)
	assert.Contains(t, p.User, "containing exactly the keys "+strings.Join(model.FieldNames(fields), ", ")+":")

	fb, err := Evaluation(sampleObject(t, fields))
	require.NoError(t, err)
	assert.Equal(t, &model.StructuredFeedback{
		Summary:                model.KeySummary,
		CorrectPoints:          []string{model.KeyCorrectPoints},
		IncorrectPoints:        []string{model.KeyIncorrectPoints},
		ImprovementSuggestions: []string{model.KeyImprovementSuggestions},
		OverallScore:           7,
		DetailedAnalysis:       model.KeyDetailedAnalysis,
	}, fb, "every prompted key lands in the result")
}

func TestQuizEvaluationReadsPromptedKeys(t *testing.T) {
	questions := []model.QuizQuestion{{ID: "q1", Question: "?", CorrectAnswer: "A"}}
	p := prompt.QuizEvaluation(questions, nil, nil)
	assert.Contains(t, p.User, "containing exactly the keys "+strings.Join(model.FieldNames(model.QuizEvaluationFields()), ", ")+":")

	var obj map[string]any
	require.NoError(t, json.Unmarshal([]byte(sampleObject(t, model.QuizEvaluationFields())), &obj))
	result := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(sampleObject(t, model.QuizResultFields())), &result))
	result[model.KeyQuestionID] = "q1"
	obj[model.KeyResults] = []any{result}
	raw, err := json.Marshal(obj)
	require.NoError(t, err)

	fb, err := QuizEvaluation(string(raw), questions, map[string]string{"q1": "A"})
	require.NoError(t, err)
	assert.Equal(t, []string{model.KeyStrengths}, fb.Strengths)
	assert.Equal(t, []string{model.KeyAreasForImprovement}, fb.AreasForImprovement)
	assert.Equal(t, model.KeyOverallFeedback, fb.OverallFeedback)
	assert.Equal(t, model.KeyFeedback, fb.Results[0].Feedback)
}

func TestEvaluationMissingRequired(t *testing.T) {
	_, err := Evaluation(`{"detailed_analysis":"x","correct_points":"a"}`)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StageValidate, pe.Stage)
	for _, f := range model.EvaluationFields() {
		if f.Required {
			assert.ErrorContains(t, err, fmt.Sprintf("%q", f.Name))
		}
	}
}

func TestEvaluationDeterministic(t *testing.T) {
	raw := "```json\n{\"summary\":\"s\",\"overall_score\":4,\"correct_points\":[\"a\",1,\"b\"]}\n```"
	first, err := Evaluation(raw)
	require.NoError(t, err)
	for range 5 {
		again, err := Evaluation(raw)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"a", "b"}, first.CorrectPoints)
}

func TestQuizQuestions(t *testing.T) {
	raw := "```json\n" + `{"questions":[
		{"id":"q1","question":"What is 2+2?","options":{"A":"3","B":"4","C":"5","D":"6"},"correctAnswer":"b","explanation":"math","topic":"arithmetic","difficulty":"Easy"},
		{"question":"","options":{"A":"x","B":"y","C":"z","D":"w"},"correctAnswer":"A"},
		{"question":"Pick E","options":{"A":"x","B":"y","C":"z","D":"w"},"correctAnswer":"E"},
		{"question":"Capital of France?","options":{"A":"Paris","B":"Rome","C":"Oslo","D":"Bern"},"correctAnswer":"A","difficulty":"impossible"},
		"junk"
	]}` + "\n```"

	qs, err := QuizQuestions(raw)
	require.NoError(t, err)
	require.Len(t, qs, 2)

	assert.Equal(t, "q1", qs[0].ID)
	assert.Equal(t, "B", qs[0].CorrectAnswer)
	assert.Equal(t, model.DifficultyEasy, qs[0].Difficulty)
	assert.Equal(t, "4", qs[0].Options.B)

	assert.Equal(t, "q2", qs[1].ID, "missing ids are numbered by position")
	assert.Equal(t, model.Difficulty(""), qs[1].Difficulty)
}

func TestQuizQuestionsMissingArray(t *testing.T) {
	for _, raw := range []string{`{"items":[]}`, `{"questions":"none"}`} {
		_, err := QuizQuestions(raw)
		var pe *ParseError
		require.ErrorAs(t, err, &pe, raw)
		assert.Equal(t, StageValidate, pe.Stage)
	}

	qs, err := QuizQuestions(`{"questions":[]}`)
	require.NoError(t, err)
	assert.Empty(t, qs)
}

func tenQuestions() ([]model.QuizQuestion, map[string]string) {
	questions := make([]model.QuizQuestion, 10)
	answers := make(map[string]string)
	for i := range questions {
		id := fmt.Sprintf("q%d", i+1)
		topic := "channels"
		if i%2 == 1 {
			topic = "goroutines"
		}
		questions[i] = model.QuizQuestion{ID: id, Question: "?", CorrectAnswer: "A", Topic: topic}
		// First seven correct, two wrong, one unanswered.
		switch {
		case i < 7:
			answers[id] = "A"
		case i < 9:
			answers[id] = "C"
		}
	}
	return questions, answers
}

func TestQuizEvaluationComputesTotals(t *testing.T) {
	questions, answers := tenQuestions()
	raw := `{"correctAnswers":10,"score":100,"results":[{"questionId":"q8","isCorrect":true,"feedback":"review buffering"}],"strengths":["syntax"],"areasForImprovement":["buffering"],"overallFeedback":"good"}`

	fb, err := QuizEvaluation(raw, questions, answers)
	require.NoError(t, err)

	assert.Equal(t, 10, fb.TotalQuestions)
	assert.Equal(t, 7, fb.CorrectAnswers)
	assert.Equal(t, 70, fb.Score)
	require.Len(t, fb.Results, 10)
	assert.False(t, fb.Results[7].IsCorrect, "correctness is never taken from the model")
	assert.Equal(t, "review buffering", fb.Results[7].Feedback)
	assert.Equal(t, "", fb.Results[9].UserAnswer)
	assert.Equal(t, []string{"syntax"}, fb.Strengths)
	assert.Equal(t, "good", fb.OverallFeedback)

	assert.Equal(t, model.TopicPerformance{Correct: 4, Total: 5, Percentage: 80}, fb.PerformanceByTopic["channels"])
	assert.Equal(t, model.TopicPerformance{Correct: 3, Total: 5, Percentage: 60}, fb.PerformanceByTopic["goroutines"])
}

func TestQuizEvaluationFallback(t *testing.T) {
	questions, answers := tenQuestions()

	_, err := QuizEvaluation("the model rambled", questions, answers)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)

	fb := FallbackQuizEvaluation(questions, answers)
	assert.Equal(t, 10, fb.TotalQuestions)
	assert.Equal(t, 70, fb.Score)
	assert.NotEmpty(t, fb.OverallFeedback)
	assert.Equal(t, []string{}, fb.Strengths)
}

func TestScoreUntaggedTopic(t *testing.T) {
	fb := Score([]model.QuizQuestion{{ID: "q1", CorrectAnswer: "D"}}, map[string]string{"q1": " d "})
	assert.Equal(t, 100, fb.Score)
	assert.Equal(t, 1, fb.PerformanceByTopic["General"].Correct)

	empty := Score(nil, nil)
	assert.Equal(t, 0, empty.Score)
	assert.Empty(t, empty.Results)
}
