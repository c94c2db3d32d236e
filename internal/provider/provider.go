// Package provider defines the Provider interface and LLM provider adapters.
//
// Every LLM backend (Gemini, OpenAI, Anthropic) implements the Provider
// interface. The rest of the gateway works with these unified types, so the
// orchestrator, the usage tracker and the HTTP layer never need to know which
// backend is actually producing the text.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Provider is the interface that every LLM backend must satisfy.
type Provider interface {
	// Name returns the provider identifier, e.g. "gemini" or "openai".
	// It is the key the Registry stores the adapter under.
	Name() string

	// Complete sends a request and returns the complete response.
	// This is the non-streaming path.
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)

	// StreamCompletion sends a request and returns a channel that delivers
	// text deltas in generation order as they arrive from the upstream API.
	//
	// Errors that happen before the upstream starts answering (auth, bad
	// status, connection refused) are returned directly and no channel is
	// created. Errors after that point arrive as a final chunk with Err set.
	// The adapter closes the channel when the stream ends, and stops early
	// when ctx is cancelled.
	StreamCompletion(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error)
}

// ---------------------------------------------------------------------------
// Unified request / response types
// ---------------------------------------------------------------------------

// CompletionRequest is the provider-agnostic request. Each adapter
// translates it into its backend format.
type CompletionRequest struct {
	Model         string
	SystemMessage string
	UserMessage   string
	MaxTokens     int  // 0 = adapter default
	JSONMode      bool // ask the backend for a JSON object when it supports it
}

// Completion is a complete (non-streaming) response.
type Completion struct {
	Model   string
	Content string
	Usage   *Usage // nil when the backend did not report token counts
}

// Usage holds normalized token counts.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one piece of a streaming response.
type StreamChunk struct {
	Delta string // the new text fragment in this chunk
	Done  bool   // true on the final chunk

	// Usage is only populated on the final chunk, and only by backends that
	// report token counts at the end of a stream.
	Usage *Usage

	// Err is set on the final chunk when the stream broke mid-way.
	Err error
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// UnsupportedProviderError is returned when a request names a provider id
// that has no registered adapter. It is detected before any network call.
type UnsupportedProviderError struct {
	Provider string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider %q", e.Provider)
}

// TransportError is the single typed failure an adapter surfaces for
// authentication, HTTP status, network and timeout problems.
type TransportError struct {
	Provider   string
	StatusCode int  // 0 when the request never got an HTTP response
	Timeout    bool // the transport deadline expired
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Redacted returns a message that is safe to show to end users: it names
// the provider and the failure class but never the upstream error body.
func (e *TransportError) Redacted() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s did not respond in time", e.Provider)
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return fmt.Sprintf("%s rejected the gateway credentials", e.Provider)
	case e.StatusCode == http.StatusTooManyRequests:
		return fmt.Sprintf("%s is rate limiting requests", e.Provider)
	case e.StatusCode >= 500:
		return fmt.Sprintf("%s is unavailable (status %d)", e.Provider, e.StatusCode)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s rejected the request (status %d)", e.Provider, e.StatusCode)
	default:
		return fmt.Sprintf("%s connection failed", e.Provider)
	}
}

// transportError wraps err as a *TransportError, detecting timeouts.
// A nil err yields nil.
func transportError(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{
		Provider:   provider,
		StatusCode: status,
		Timeout:    isTimeout(err),
		Err:        err,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// sendChunk delivers chunk unless ctx is cancelled first. It reports
// whether the chunk was delivered.
func sendChunk(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
