package parse

import (
	"math"
	"strings"

	"github.com/howard-nolan/evalgate/internal/model"
)

const (
	fallbackSummary      = "The evaluation could not be read."
	fallbackSuggestion   = "please retry"
	fallbackNoContent    = "No content received"
	fallbackQuizFeedback = "Detailed feedback could not be generated. Your score was calculated from your answers; please retry for a full review."
	generalTopic         = "General"
)

// FallbackEvaluation is substituted for an evaluation that failed to
// parse. It keeps the raw model output so nothing the learner paid for is
// lost.
func FallbackEvaluation(raw string) *model.StructuredFeedback {
	detailed := raw
	if strings.TrimSpace(raw) == "" {
		detailed = fallbackNoContent
	}
	return &model.StructuredFeedback{
		Summary:                fallbackSummary,
		CorrectPoints:          []string{},
		IncorrectPoints:        []string{},
		ImprovementSuggestions: []string{fallbackSuggestion},
		OverallScore:           0,
		DetailedAnalysis:       detailed,
	}
}

// FallbackQuizEvaluation is substituted for quiz feedback that failed to
// parse. The score is still exact; only the narrative is missing.
func FallbackQuizEvaluation(questions []model.QuizQuestion, answers map[string]string) *model.QuizFeedback {
	fb := Score(questions, answers)
	fb.OverallFeedback = fallbackQuizFeedback
	return fb
}

// Score grades an attempt locally. Unanswered questions count as wrong and
// questions without a topic are grouped under "General".
func Score(questions []model.QuizQuestion, answers map[string]string) *model.QuizFeedback {
	fb := &model.QuizFeedback{
		TotalQuestions:      len(questions),
		Results:             make([]model.QuestionResult, 0, len(questions)),
		Strengths:           []string{},
		AreasForImprovement: []string{},
		PerformanceByTopic:  make(map[string]model.TopicPerformance),
	}

	for _, q := range questions {
		answer := strings.ToUpper(strings.TrimSpace(answers[q.ID]))
		correct := answer != "" && answer == strings.ToUpper(q.CorrectAnswer)
		fb.Results = append(fb.Results, model.QuestionResult{
			QuestionID:    q.ID,
			UserAnswer:    answer,
			CorrectAnswer: q.CorrectAnswer,
			IsCorrect:     correct,
		})

		topic := q.Topic
		if topic == "" {
			topic = generalTopic
		}
		tp := fb.PerformanceByTopic[topic]
		tp.Total++
		if correct {
			tp.Correct++
			fb.CorrectAnswers++
		}
		fb.PerformanceByTopic[topic] = tp
	}

	for topic, tp := range fb.PerformanceByTopic {
		tp.Percentage = percent(tp.Correct, tp.Total)
		fb.PerformanceByTopic[topic] = tp
	}
	fb.Score = percent(fb.CorrectAnswers, fb.TotalQuestions)
	return fb
}

func percent(n, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(n) * 100 / float64(total)))
}
