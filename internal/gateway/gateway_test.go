package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/evalgate/internal/model"
	"github.com/howard-nolan/evalgate/internal/provider"
	"github.com/howard-nolan/evalgate/internal/store"
	"github.com/howard-nolan/evalgate/internal/stream"
	"github.com/howard-nolan/evalgate/internal/usage"
)

// scriptedProvider streams a fixed script of chunks.
type scriptedProvider struct {
	name     string
	chunks   []provider.StreamChunk
	openErr  error
	complete *provider.Completion
	calls    atomic.Int32
	// aborted is closed when the stream goroutine gives up on a
	// cancelled context.
	aborted chan struct{}
}

func newScripted(name string, chunks ...provider.StreamChunk) *scriptedProvider {
	return &scriptedProvider{name: name, chunks: chunks, aborted: make(chan struct{})}
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(_ context.Context, req *provider.CompletionRequest) (*provider.Completion, error) {
	p.calls.Add(1)
	if p.openErr != nil {
		return nil, p.openErr
	}
	return p.complete, nil
}

func (p *scriptedProvider) StreamCompletion(ctx context.Context, _ *provider.CompletionRequest) (<-chan provider.StreamChunk, error) {
	p.calls.Add(1)
	if p.openErr != nil {
		return nil, p.openErr
	}
	ch := make(chan provider.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range p.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				close(p.aborted)
				return
			}
		}
	}()
	return ch, nil
}

// deltas builds a successful script from text pieces.
func deltas(pieces ...string) []provider.StreamChunk {
	var chunks []provider.StreamChunk
	for _, p := range pieces {
		chunks = append(chunks, provider.StreamChunk{Delta: p})
	}
	return append(chunks, provider.StreamChunk{Done: true, Usage: &provider.Usage{PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140}})
}

// recordingSink keeps every chunk; failAfter > 0 makes Send fail once that
// many chunks were accepted.
type recordingSink struct {
	mu        sync.Mutex
	chunks    []stream.Chunk
	failAfter int
}

func (s *recordingSink) Send(c stream.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.chunks) >= s.failAfter {
		return errors.New("broken pipe")
	}
	s.chunks = append(s.chunks, c)
	return nil
}

// assertChunkSequence checks the protocol shape: progress chunks, then one
// terminal chunk, and nothing after it.
func assertChunkSequence(t *testing.T, chunks []stream.Chunk) {
	t.Helper()
	require.NotEmpty(t, chunks)
	for i, c := range chunks[:len(chunks)-1] {
		assert.False(t, c.Finished, "chunk %d finished before the end", i)
		assert.NotEqual(t, stream.TypeComplete, c.Type)
		assert.NotEqual(t, stream.TypeError, c.Type)
	}
	last := chunks[len(chunks)-1]
	assert.True(t, last.Finished)
	assert.Contains(t, []stream.ChunkType{stream.TypeComplete, stream.TypeError}, last.Type)
}

func progressText(chunks []stream.Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		if !c.Finished {
			sb.WriteString(c.Content)
		}
	}
	return sb.String()
}

type harness struct {
	gw    *Gateway
	store *store.Store
	bg    *usage.Background
	hook  *logtest.Hook
}

func newHarness(t *testing.T, credits CreditDeductor, providers ...provider.Provider) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.UpsertPricing(context.Background(), model.ModelPricing{
		ModelID: "flash", InputCostPerMillionTokens: 0.1, OutputCostPerMillionTokens: 0.4,
	}))
	require.NoError(t, st.GrantCredits(context.Background(), "u1", 10, "test"))

	logger, hook := logtest.NewNullLogger()
	bg := usage.NewBackground(logger, time.Second)
	if credits == nil {
		credits = st
	}

	gw := New(Config{
		Registry: provider.NewRegistry(providers...),
		Models: map[string][]string{
			"gemini": {"flash", "pro"},
			"openai": {"gpt-4o-mini"},
		},
		Tracker:      usage.NewTracker(st, st, bg, logger),
		Interactions: st,
		Credits:      credits,
		Logger:       logger,
	})
	return &harness{gw: gw, store: st, bg: bg, hook: hook}
}

func (h *harness) usageLogs(t *testing.T) []model.UsageLogEntry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.bg.Wait(ctx))
	logs, err := h.store.UsageLogs(context.Background(), "u1", 100)
	require.NoError(t, err)
	return logs
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return b
}

var noteReq = model.EvaluationRequest{
	SubjectID: "note-1",
	ModelID:   "flash",
	Provider:  "gemini",
	Content:   "Goroutines are cheap threads managed by the Go runtime.",
}

func TestEvaluateNoteCompleted(t *testing.T) {
	answer := `{"summary":"ok","overall_score":7,"correct_points":["cheap"],"incorrect_points":[],"improvement_suggestions":[],"detailed_analysis":"fine"}`
	gem := newScripted("gemini", deltas(answer[:20], answer[20:60], answer[60:])...)
	h := newHarness(t, nil, gem)
	sink := &recordingSink{}

	err := h.gw.EvaluateNote(context.Background(), "u1", noteReq, sink)
	require.NoError(t, err)

	assertChunkSequence(t, sink.chunks)
	require.Len(t, sink.chunks, 4)
	for _, c := range sink.chunks[:3] {
		assert.Equal(t, stream.TypeFeedback, c.Type)
	}
	assert.Equal(t, answer, progressText(sink.chunks), "progress chunks reproduce the raw text")

	var fb model.StructuredFeedback
	require.NoError(t, json.Unmarshal([]byte(sink.chunks[3].Content), &fb))
	assert.Equal(t, 7, fb.OverallScore)
	assert.Equal(t, []string{"cheap"}, fb.CorrectPoints)

	logs := h.usageLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, model.UsageSuccess, logs[0].Status)
	assert.Equal(t, 140, *logs[0].TotalTokens)
	assert.InDelta(t, 100*0.1/1e6+40*0.4/1e6, *logs[0].CostUSD, 1e-12)
	assert.JSONEq(t, `{"success":true}`, string(logs[0].ResponsePayload))

	assert.Equal(t, int64(9), h.balance(t), "one credit charged")
}

func TestEvaluateNoteFallback(t *testing.T) {
	gem := newScripted("gemini", deltas("not json", " at all")...)
	h := newHarness(t, nil, gem)
	sink := &recordingSink{}

	require.NoError(t, h.gw.EvaluateNote(context.Background(), "u1", noteReq, sink))
	assertChunkSequence(t, sink.chunks)

	last := sink.chunks[len(sink.chunks)-1]
	assert.Equal(t, stream.TypeComplete, last.Type, "fallback still completes")

	var fb model.StructuredFeedback
	require.NoError(t, json.Unmarshal([]byte(last.Content), &fb))
	assert.Equal(t, 0, fb.OverallScore)
	assert.Equal(t, "not json at all", fb.DetailedAnalysis)
	assert.Equal(t, []string{"please retry"}, fb.ImprovementSuggestions)

	logs := h.usageLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, model.UsageSuccess, logs[0].Status, "the model answered, so the call succeeded")
	assert.Equal(t, int64(9), h.balance(t))
}

func TestEvaluateNoteTransportErrorMidStream(t *testing.T) {
	script := []provider.StreamChunk{
		{Delta: "1"}, {Delta: "2"}, {Delta: "3"}, {Delta: "4"}, {Delta: "5"},
		{Done: true, Err: &provider.TransportError{Provider: "gemini", Err: errors.New("read tcp 10.0.0.1: connection reset by peer")}},
	}
	gem := newScripted("gemini", script...)
	h := newHarness(t, nil, gem)
	sink := &recordingSink{}

	err := h.gw.EvaluateNote(context.Background(), "u1", noteReq, sink)
	require.Error(t, err)
	assert.False(t, IsConfigError(err))

	assertChunkSequence(t, sink.chunks)
	require.Len(t, sink.chunks, 6)
	last := sink.chunks[5]
	assert.Equal(t, stream.TypeError, last.Type)
	assert.Equal(t, "gemini connection failed", last.Content)
	assert.NotContains(t, last.Content, "10.0.0.1", "provider internals are redacted")

	for _, c := range sink.chunks {
		assert.NotEqual(t, stream.TypeComplete, c.Type)
	}

	logs := h.usageLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, model.UsageError, logs[0].Status)
	assert.Nil(t, logs[0].CostUSD)
	assert.Equal(t, int64(10), h.balance(t), "failed requests are not charged")
}

func TestEvaluateNoteUnsupportedProvider(t *testing.T) {
	gem := newScripted("gemini", deltas("{}")...)
	oai := newScripted("openai", deltas("{}")...)
	h := newHarness(t, nil, gem, oai)
	sink := &recordingSink{}

	req := noteReq
	req.Provider = "anthropic"
	err := h.gw.EvaluateNote(context.Background(), "u1", req, sink)

	var upe *provider.UnsupportedProviderError
	require.ErrorAs(t, err, &upe)
	assert.Equal(t, "anthropic", upe.Provider)
	assert.True(t, IsConfigError(err))
	assert.Empty(t, sink.chunks, "no chunk for configuration errors")
	assert.Zero(t, gem.calls.Load()+oai.calls.Load(), "no network call")
	assert.Empty(t, h.usageLogs(t))
}

func TestEvaluateNoteUnsupportedModel(t *testing.T) {
	gem := newScripted("gemini", deltas("{}")...)
	h := newHarness(t, nil, gem)
	sink := &recordingSink{}

	req := noteReq
	req.ModelID = "gemini-ultra-9000"
	err := h.gw.EvaluateNote(context.Background(), "u1", req, sink)

	var ume *UnsupportedModelError
	require.ErrorAs(t, err, &ume)
	assert.Empty(t, sink.chunks)
	assert.Zero(t, gem.calls.Load())
	assert.Empty(t, h.usageLogs(t))
}

func TestEvaluateNoteDefaultModel(t *testing.T) {
	gem := newScripted("gemini", deltas(`{"summary":"s","overall_score":5}`)...)
	h := newHarness(t, nil, gem)
	sink := &recordingSink{}

	req := noteReq
	req.ModelID = ""
	require.NoError(t, h.gw.EvaluateNote(context.Background(), "u1", req, sink))

	logs := h.usageLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "flash", logs[0].ModelID)
}

func TestEvaluateNoteEmptyContent(t *testing.T) {
	h := newHarness(t, nil, newScripted("gemini"))
	req := noteReq
	req.Content = "   "

	err := h.gw.EvaluateNote(context.Background(), "u1", req, &recordingSink{})
	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "content", re.Field)
}

func TestEvaluateNoteOpenFailure(t *testing.T) {
	gem := newScripted("gemini")
	gem.openErr = &provider.TransportError{Provider: "gemini", StatusCode: 401, Err: errors.New("API key not valid: AIza...")}
	h := newHarness(t, nil, gem)
	sink := &recordingSink{}

	err := h.gw.EvaluateNote(context.Background(), "u1", noteReq, sink)
	require.Error(t, err)

	require.Len(t, sink.chunks, 1)
	assert.Equal(t, stream.Error("gemini rejected the gateway credentials"), sink.chunks[0])

	logs := h.usageLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, model.UsageError, logs[0].Status)
}

func TestEvaluateNoteTruncatedStream(t *testing.T) {
	gem := newScripted("gemini", provider.StreamChunk{Delta: `{"summary":`})
	h := newHarness(t, nil, gem)
	sink := &recordingSink{}

	err := h.gw.EvaluateNote(context.Background(), "u1", noteReq, sink)
	assert.ErrorIs(t, err, usage.ErrStreamIncomplete)

	assertChunkSequence(t, sink.chunks)
	assert.Equal(t, stream.TypeError, sink.chunks[len(sink.chunks)-1].Type)
}

func TestEvaluateNoteClientDisconnect(t *testing.T) {
	script := make([]provider.StreamChunk, 0, 101)
	for i := range 100 {
		script = append(script, provider.StreamChunk{Delta: fmt.Sprintf("t%d ", i)})
	}
	script = append(script, provider.StreamChunk{Done: true})
	gem := newScripted("gemini", script...)
	h := newHarness(t, nil, gem)
	sink := &recordingSink{failAfter: 3}

	err := h.gw.EvaluateNote(context.Background(), "u1", noteReq, sink)
	require.Error(t, err)

	select {
	case <-gem.aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("provider stream was not aborted")
	}

	assert.Len(t, sink.chunks, 3, "nothing is written after the sink fails")
	for _, c := range sink.chunks {
		assert.False(t, c.Finished)
	}

	logs := h.usageLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, model.UsageError, logs[0].Status)
	assert.Equal(t, int64(10), h.balance(t), "no charge without completion")
}

type failingCredits struct{ calls atomic.Int32 }

func (f *failingCredits) DeductCredits(context.Context, string, string, string, string) (model.CreditDeduction, error) {
	f.calls.Add(1)
	return model.CreditDeduction{}, errors.New("billing service down")
}

func TestEvaluateNoteCreditFailureKeepsResult(t *testing.T) {
	gem := newScripted("gemini", deltas(`{"summary":"ok","overall_score":8}`)...)
	credits := &failingCredits{}
	h := newHarness(t, credits, gem)
	sink := &recordingSink{}

	require.NoError(t, h.gw.EvaluateNote(context.Background(), "u1", noteReq, sink))
	assert.Equal(t, stream.TypeComplete, sink.chunks[len(sink.chunks)-1].Type)
	assert.Equal(t, int32(1), credits.calls.Load())

	var logged bool
	for _, e := range h.hook.AllEntries() {
		if e.Message == "credit deduction failed" {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestGenerateQuiz(t *testing.T) {
	answer := `{"questions":[
		{"id":"q1","question":"What does go start?","options":{"A":"thread","B":"goroutine","C":"process","D":"fiber"},"correctAnswer":"B","explanation":"go starts a goroutine","topic":"goroutines","difficulty":"easy"},
		{"id":"q2","question":"Which closes a channel?","options":{"A":"close","B":"end","C":"stop","D":"done"},"correctAnswer":"A","explanation":"builtin","topic":"channels","difficulty":"medium"},
		{"id":"q3","question":"Extra","options":{"A":"a","B":"b","C":"c","D":"d"},"correctAnswer":"C"}
	]}`
	gem := newScripted("gemini", deltas(answer[:50], answer[50:])...)
	h := newHarness(t, nil, gem)
	sink := &recordingSink{}

	err := h.gw.GenerateQuiz(context.Background(), "u1", model.QuizGenerationRequest{
		SubjectID:     "note-1",
		ModelID:       "flash",
		Provider:      "gemini",
		Content:       "Goroutines and channels.",
		QuestionCount: 2,
		Difficulty:    model.DifficultyMixed,
	}, sink)
	require.NoError(t, err)

	assertChunkSequence(t, sink.chunks)
	assert.Equal(t, stream.TypeQuestion, sink.chunks[0].Type)

	var set model.QuizQuestionSet
	require.NoError(t, json.Unmarshal([]byte(sink.chunks[len(sink.chunks)-1].Content), &set))
	require.Len(t, set.Questions, 2, "trimmed to the requested count")
	assert.Equal(t, "B", set.Questions[0].CorrectAnswer)
}

func TestGenerateQuizNoQuestions(t *testing.T) {
	for name, answer := range map[string]string{
		"empty array": `{"questions":[]}`,
		"prose":       "I cannot write questions about this.",
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil, newScripted("gemini", deltas(answer)...))
			sink := &recordingSink{}

			err := h.gw.GenerateQuiz(context.Background(), "u1", model.QuizGenerationRequest{
				SubjectID: "note-1", Provider: "gemini", Content: "x",
			}, sink)
			assert.ErrorIs(t, err, ErrNoQuestions)

			assertChunkSequence(t, sink.chunks)
			assert.Equal(t, stream.Error("could not generate questions"), sink.chunks[len(sink.chunks)-1])
			assert.Equal(t, int64(10), h.balance(t))
		})
	}
}

func TestGenerateQuizValidation(t *testing.T) {
	h := newHarness(t, nil, newScripted("gemini"))
	tests := []struct {
		name  string
		req   model.QuizGenerationRequest
		field string
	}{
		{"too many", model.QuizGenerationRequest{Provider: "gemini", Content: "x", QuestionCount: 50}, "question_count"},
		{"negative", model.QuizGenerationRequest{Provider: "gemini", Content: "x", QuestionCount: -1}, "question_count"},
		{"bad difficulty", model.QuizGenerationRequest{Provider: "gemini", Content: "x", Difficulty: "brutal"}, "difficulty"},
		{"no content", model.QuizGenerationRequest{Provider: "gemini"}, "content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.gw.GenerateQuiz(context.Background(), "u1", tt.req, &recordingSink{})
			var re *RequestError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.field, re.Field)
		})
	}
}

func TestEvaluateQuizComputesTotals(t *testing.T) {
	questions := make([]model.QuizQuestion, 10)
	answers := make(map[string]string)
	for i := range questions {
		id := fmt.Sprintf("q%d", i+1)
		questions[i] = model.QuizQuestion{ID: id, Question: "?", CorrectAnswer: "A", Topic: "basics"}
		if i < 6 {
			answers[id] = "A"
		} else {
			answers[id] = "B"
		}
	}
	// The model omits totalQuestions and inflates the score.
	answer := `{"correctAnswers":10,"score":100,"strengths":["recall"],"areasForImprovement":[],"overallFeedback":"Nice"}`
	h := newHarness(t, nil, newScripted("gemini", deltas(answer)...))
	sink := &recordingSink{}

	err := h.gw.EvaluateQuiz(context.Background(), "u1", model.QuizEvaluationRequest{
		SubjectID: "quiz-1", ModelID: "pro", Provider: "gemini", Questions: questions, Answers: answers,
	}, sink)
	require.NoError(t, err)
	assertChunkSequence(t, sink.chunks)

	var fb model.QuizFeedback
	require.NoError(t, json.Unmarshal([]byte(sink.chunks[len(sink.chunks)-1].Content), &fb))
	assert.Equal(t, 10, fb.TotalQuestions)
	assert.Equal(t, 6, fb.CorrectAnswers)
	assert.Equal(t, 60, fb.Score)
	assert.Equal(t, "Nice", fb.OverallFeedback)
}

func TestEvaluateQuizFallback(t *testing.T) {
	questions := []model.QuizQuestion{{ID: "q1", CorrectAnswer: "C"}}
	h := newHarness(t, nil, newScripted("gemini", deltas("no idea")...))
	sink := &recordingSink{}

	err := h.gw.EvaluateQuiz(context.Background(), "u1", model.QuizEvaluationRequest{
		SubjectID: "quiz-1", Provider: "gemini", Questions: questions, Answers: map[string]string{"q1": "C"},
	}, sink)
	require.NoError(t, err)

	var fb model.QuizFeedback
	require.NoError(t, json.Unmarshal([]byte(sink.chunks[len(sink.chunks)-1].Content), &fb))
	assert.Equal(t, 100, fb.Score)
	assert.NotEmpty(t, fb.OverallFeedback)
}

func TestEvaluateQuizValidation(t *testing.T) {
	h := newHarness(t, nil, newScripted("gemini"))
	err := h.gw.EvaluateQuiz(context.Background(), "u1", model.QuizEvaluationRequest{Provider: "gemini"}, &recordingSink{})
	assert.True(t, IsConfigError(err))

	err = h.gw.EvaluateQuiz(context.Background(), "u1", model.QuizEvaluationRequest{
		Provider:  "gemini",
		Questions: []model.QuizQuestion{{ID: "q1"}, {ID: "q1"}},
	}, &recordingSink{})
	assert.ErrorContains(t, err, "duplicate question id")
}

func TestEvaluateNoteOnce(t *testing.T) {
	gem := newScripted("gemini")
	gem.complete = &provider.Completion{
		Model:   "flash",
		Content: "```json\n{\"summary\":\"ok\",\"overall_score\":9}\n```",
		Usage:   &provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	h := newHarness(t, nil, gem)

	fb, err := h.gw.EvaluateNoteOnce(context.Background(), "u1", noteReq)
	require.NoError(t, err)
	assert.Equal(t, 9, fb.OverallScore)

	logs := h.usageLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, 15, *logs[0].TotalTokens)
	assert.Equal(t, int64(9), h.balance(t))
}

func TestEvaluateNoteOnceFailure(t *testing.T) {
	gem := newScripted("gemini")
	gem.openErr = &provider.TransportError{Provider: "gemini", StatusCode: 503, Err: errors.New("overloaded")}
	h := newHarness(t, nil, gem)

	_, err := h.gw.EvaluateNoteOnce(context.Background(), "u1", noteReq)
	require.Error(t, err)
	assert.Equal(t, "gemini is unavailable (status 503)", Redact(err))

	logs := h.usageLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, model.UsageError, logs[0].Status)
	assert.Equal(t, int64(10), h.balance(t))
}

func TestMachine(t *testing.T) {
	var m machine
	assert.Equal(t, stream.StateIdle, m.state)
	assert.False(t, m.can(stream.StateStreaming))

	m.to(stream.StateDispatching)
	m.to(stream.StateStreaming)
	m.to(stream.StateCompleted)

	for _, next := range []stream.State{stream.StateIdle, stream.StateDispatching, stream.StateStreaming, stream.StateFailed, stream.StateCompleted} {
		assert.False(t, m.can(next), "completed is final, got %s allowed", next)
	}
	assert.Panics(t, func() { m.to(stream.StateFailed) })

	var direct machine
	direct.to(stream.StateFailed)
	assert.True(t, direct.state.Terminal())
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "openai is rate limiting requests", Redact(fmt.Errorf("wrapped: %w", &provider.TransportError{Provider: "openai", StatusCode: 429})))
	assert.Equal(t, "the request was cancelled", Redact(context.Canceled))
	assert.Equal(t, "analysis failed, adjust settings and retry", Redact(errors.New("sql: database is closed")))
}
