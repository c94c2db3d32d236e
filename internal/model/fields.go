package model

import "slices"

// Commands name the gateway operations in usage logs, interactions,
// metrics labels and the credit ledger.
const (
	CommandEvaluateNote = "evaluate_note"
	CommandGenerateQuiz = "generate_quiz"
	CommandEvaluateQuiz = "evaluate_quiz"
)

// Field kinds.
const (
	KindString = "string"
	KindNumber = "number"
	KindBool   = "boolean"
	KindArray  = "array"
	KindObject = "object"
)

// Field is one key of a JSON object the model is asked to produce.
// Required fields decide whether an answer is usable at all: an object
// that carries none of its list's required fields in their declared
// kind is rejected.
type Field struct {
	Name     string
	Kind     string
	Hint     string
	Required bool
}

// Keys of the objects the model is asked to produce. The prompt builder
// and the parser both read them through the field lists below.
const (
	KeySummary                = "summary"
	KeyCorrectPoints          = "correct_points"
	KeyIncorrectPoints        = "incorrect_points"
	KeyImprovementSuggestions = "improvement_suggestions"
	KeyOverallScore           = "overall_score"
	KeyDetailedAnalysis       = "detailed_analysis"

	KeyQuestions     = "questions"
	KeyID            = "id"
	KeyQuestion      = "question"
	KeyOptions       = "options"
	KeyCorrectAnswer = "correctAnswer"
	KeyExplanation   = "explanation"
	KeyTopic         = "topic"
	KeyDifficulty    = "difficulty"

	KeyTotalQuestions      = "totalQuestions"
	KeyCorrectAnswers      = "correctAnswers"
	KeyScore               = "score"
	KeyResults             = "results"
	KeyStrengths           = "strengths"
	KeyAreasForImprovement = "areasForImprovement"
	KeyPerformanceByTopic  = "performanceByTopic"
	KeyOverallFeedback     = "overallFeedback"

	KeyQuestionID = "questionId"
	KeyIsCorrect  = "isCorrect"
	KeyFeedback   = "feedback"
)

var evaluationFields = []Field{
	{Name: KeySummary, Kind: KindString, Hint: "one or two sentence overview of the note", Required: true},
	{Name: KeyCorrectPoints, Kind: KindArray, Hint: "statements in the note that are correct"},
	{Name: KeyIncorrectPoints, Kind: KindArray, Hint: "statements in the note that are wrong or misleading"},
	{Name: KeyImprovementSuggestions, Kind: KindArray, Hint: "concrete ways to improve the note"},
	{Name: KeyOverallScore, Kind: KindNumber, Hint: "integer from 1 to 10", Required: true},
	{Name: KeyDetailedAnalysis, Kind: KindString, Hint: "a few paragraphs of analysis"},
}

var quizQuestionFields = []Field{
	{Name: KeyID, Kind: KindString, Hint: `"q1", "q2", ...`},
	{Name: KeyQuestion, Kind: KindString, Hint: "the question text", Required: true},
	{Name: KeyOptions, Kind: KindObject, Hint: `{"A": "...", "B": "...", "C": "...", "D": "..."}`},
	{Name: KeyCorrectAnswer, Kind: KindString, Hint: `one of "A", "B", "C", "D"`},
	{Name: KeyExplanation, Kind: KindString, Hint: "why the correct answer is correct"},
	{Name: KeyTopic, Kind: KindString, Hint: "short topic label"},
	{Name: KeyDifficulty, Kind: KindString, Hint: `"easy", "medium" or "hard"`},
}

var quizGenerationFields = []Field{
	{Name: KeyQuestions, Kind: KindArray, Hint: "array of question objects", Required: true},
}

var quizEvaluationFields = []Field{
	{Name: KeyTotalQuestions, Kind: KindNumber, Hint: "number of questions"},
	{Name: KeyCorrectAnswers, Kind: KindNumber, Hint: "number of correct answers"},
	{Name: KeyScore, Kind: KindNumber, Hint: "percentage from 0 to 100"},
	{Name: KeyResults, Kind: KindArray, Hint: "one entry per question, in order"},
	{Name: KeyStrengths, Kind: KindArray, Hint: "what the learner understood well"},
	{Name: KeyAreasForImprovement, Kind: KindArray, Hint: "what the learner should review"},
	{Name: KeyPerformanceByTopic, Kind: KindObject, Hint: `{"topic": {"correct": 1, "total": 2, "percentage": 50}}`},
	{Name: KeyOverallFeedback, Kind: KindString, Hint: "encouraging summary"},
}

var quizResultFields = []Field{
	{Name: KeyQuestionID, Kind: KindString, Hint: "id of the question", Required: true},
	{Name: KeyIsCorrect, Kind: KindBool, Hint: "whether the learner answered correctly"},
	{Name: KeyFeedback, Kind: KindString, Hint: "one or two sentences on the answer"},
}

// EvaluationFields is the object returned by a note evaluation.
func EvaluationFields() []Field { return slices.Clone(evaluationFields) }

// QuizGenerationFields is the object returned by quiz generation.
func QuizGenerationFields() []Field { return slices.Clone(quizGenerationFields) }

// QuizQuestionFields is one element of the generated "questions" array.
func QuizQuestionFields() []Field { return slices.Clone(quizQuestionFields) }

// QuizEvaluationFields is the object returned by a quiz evaluation.
func QuizEvaluationFields() []Field { return slices.Clone(quizEvaluationFields) }

// QuizResultFields is one element of the evaluation's "results" array.
func QuizResultFields() []Field { return slices.Clone(quizResultFields) }

// FieldNames returns the names of fields in order.
func FieldNames(fields []Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// OptionLetters are the valid answer letters, in display order.
var OptionLetters = []string{"A", "B", "C", "D"}

// Option returns the text of the option with the given letter.
func (o QuizOptions) Option(letter string) (string, bool) {
	switch letter {
	case "A":
		return o.A, true
	case "B":
		return o.B, true
	case "C":
		return o.C, true
	case "D":
		return o.D, true
	}
	return "", false
}
