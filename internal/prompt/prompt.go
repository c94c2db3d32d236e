// Package prompt builds the provider-agnostic prompts sent to the models.
//
// Every builder is a pure function: the same input always yields the same
// Prompt, and nothing here performs I/O. The JSON instruction blocks are
// rendered from the model package's field lists; package parse reads the
// same lists when it validates and coerces an answer.
package prompt

import (
	"fmt"
	"strings"

	"github.com/howard-nolan/evalgate/internal/model"
)

// Prompt is a system/user message pair.
type Prompt struct {
	System string
	User   string
}

const (
	evaluationSystem = "You are a meticulous tutor reviewing a learner's study notes. " +
		"You check facts, point out misconceptions and suggest concrete improvements. " +
		"You always answer with a single JSON object and nothing else."

	quizSystem = "You are an expert teacher who writes fair multiple-choice questions " +
		"that test understanding rather than recall of wording. " +
		"You always answer with a single JSON object and nothing else."

	quizEvaluationSystem = "You are a supportive tutor reviewing a learner's quiz attempt. " +
		"You explain mistakes kindly and point to what to review next. " +
		"You always answer with a single JSON object and nothing else."
)

// NoteEvaluation builds the prompt that asks for a StructuredFeedback.
func NoteEvaluation(content string, vc *model.VideoContext) Prompt {
	var sb strings.Builder

	writeContext(&sb, vc)

	sb.WriteString("NOTE CONTENT:\n")
	sb.WriteString(content)
	sb.WriteString("\n\n")

	sb.WriteString("INSTRUCTIONS:\n")
	sb.WriteString("- Evaluate the note for accuracy, completeness and clarity")
	if !vc.IsZero() {
		sb.WriteString(", relative to the video it was written for")
	}
	sb.WriteString(".\n")
	sb.WriteString("- overall_score MUST be an integer from 1 to 10.\n")
	sb.WriteString("- Use empty arrays rather than omitting array fields.\n\n")

	writeSchema(&sb, model.EvaluationFields())

	return Prompt{System: evaluationSystem, User: sb.String()}
}

// QuizGeneration builds the prompt that asks for a set of questions.
func QuizGeneration(req model.QuizGenerationRequest) Prompt {
	var sb strings.Builder

	writeContext(&sb, req.Context)

	sb.WriteString("SOURCE MATERIAL:\n")
	sb.WriteString(req.Content)
	sb.WriteString("\n\n")

	sb.WriteString("INSTRUCTIONS:\n")
	fmt.Fprintf(&sb, "- Write exactly %d multiple-choice questions based on the source material.\n", req.QuestionCount)
	sb.WriteString("- " + difficultyInstruction(req.Difficulty) + "\n")
	if len(req.Topics) > 0 {
		sb.WriteString("- Focus on these topics: " + strings.Join(req.Topics, ", ") + ".\n")
	}
	sb.WriteString("- Each question has exactly four options A, B, C and D with one correct answer.\n")
	sb.WriteString("- Number question ids q1, q2, ... in order.\n\n")

	writeSchema(&sb, model.QuizGenerationFields())
	writeElement(&sb, model.KeyQuestions, model.QuizQuestionFields())

	return Prompt{System: quizSystem, User: sb.String()}
}

// QuizEvaluation builds the prompt that asks for feedback on an attempt.
// answers maps question id to the chosen letter; unanswered questions are
// shown as such.
func QuizEvaluation(questions []model.QuizQuestion, answers map[string]string, vc *model.VideoContext) Prompt {
	var sb strings.Builder

	writeContext(&sb, vc)

	sb.WriteString("QUIZ ATTEMPT:\n")
	for i, q := range questions {
		fmt.Fprintf(&sb, "\nQuestion %d (id %s", i+1, q.ID)
		if q.Topic != "" {
			fmt.Fprintf(&sb, ", topic %s", q.Topic)
		}
		sb.WriteString("):\n")
		sb.WriteString(q.Question + "\n")
		for _, letter := range model.OptionLetters {
			text, _ := q.Options.Option(letter)
			fmt.Fprintf(&sb, "  %s) %s\n", letter, text)
		}
		fmt.Fprintf(&sb, "Correct answer: %s\n", q.CorrectAnswer)
		if a := strings.TrimSpace(answers[q.ID]); a != "" {
			fmt.Fprintf(&sb, "Learner answer: %s\n", a)
		} else {
			sb.WriteString("Learner answer: (no answer)\n")
		}
	}
	sb.WriteString("\n")

	sb.WriteString("INSTRUCTIONS:\n")
	fmt.Fprintf(&sb, "- totalQuestions MUST be %d.\n", len(questions))
	sb.WriteString("- Give one results entry per question, in the same order, with short feedback.\n")
	sb.WriteString("- score is the percentage of correct answers from 0 to 100.\n\n")

	writeSchema(&sb, model.QuizEvaluationFields())
	writeElement(&sb, model.KeyResults, model.QuizResultFields())

	return Prompt{System: quizEvaluationSystem, User: sb.String()}
}

func difficultyInstruction(d model.Difficulty) string {
	switch d {
	case model.DifficultyMixed:
		return "Vary difficulty across questions, mixing easy, medium and hard."
	case model.DifficultyEasy, model.DifficultyMedium, model.DifficultyHard:
		return fmt.Sprintf("All questions should be %s difficulty.", d)
	default:
		return "All questions should be medium difficulty."
	}
}

// writeContext renders the non-empty video context fields.
func writeContext(sb *strings.Builder, vc *model.VideoContext) {
	if vc.IsZero() {
		return
	}
	sb.WriteString("VIDEO CONTEXT:\n")
	if vc.Title != "" {
		sb.WriteString("Title: " + vc.Title + "\n")
	}
	if vc.Description != "" {
		sb.WriteString("Description: " + vc.Description + "\n")
	}
	if vc.Tutorial != "" {
		sb.WriteString("Tutorial: " + vc.Tutorial + "\n")
	}
	if vc.TimestampSeconds > 0 {
		sb.WriteString("Timestamp: " + FormatTimestamp(vc.TimestampSeconds) + "\n")
	}
	sb.WriteString("\n")
}

// writeSchema appends the rigid output-format block for fields.
func writeSchema(sb *strings.Builder, fields []model.Field) {
	fmt.Fprintf(sb, "Respond ONLY with a single JSON object, without markdown fences, containing exactly the keys %s:\n",
		strings.Join(model.FieldNames(fields), ", "))
	writeFieldList(sb, fields)
}

// writeElement describes the objects inside the array named key.
func writeElement(sb *strings.Builder, key string, fields []model.Field) {
	fmt.Fprintf(sb, "\nEach element of %q is an object with these fields:\n", key)
	writeFieldList(sb, fields)
}

func writeFieldList(sb *strings.Builder, fields []model.Field) {
	for _, f := range fields {
		fmt.Fprintf(sb, "- %q (%s): %s\n", f.Name, f.Kind, f.Hint)
	}
}

// FormatTimestamp renders seconds as m:ss, or h:mm:ss past one hour.
func FormatTimestamp(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, (seconds%3600)/60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
