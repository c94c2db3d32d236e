package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements the Provider interface for Anthropic's
// Messages API. Same pattern as GeminiProvider: translate the unified
// request, make the HTTP call, translate back.
type AnthropicProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	client  *http.Client
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
func NewAnthropicProvider(apiKey, baseURL string, client *http.Client) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

const (
	anthropicAPIVersion = "2023-06-01"

	// Anthropic rejects requests without max_tokens.
	anthropicDefaultMaxTokens = 4096
)

// anthropicRequest is the body of POST /v1/messages.
//
// Compared with Gemini:
//   - "system" is a top-level string, not a message
//   - "max_tokens" is required
//   - "model" travels in the body rather than the URL path
type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the non-streaming answer. "content" is a list of
// blocks because answers can mix text and tool_use.
type anthropicResponse struct {
	ID      string                  `json:"id"`
	Content []anthropicContentBlock `json:"content"`
	Model   string                  `json:"model"`
	Usage   anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// anthropicUsage names its counters input/output where Gemini says
// prompt/candidates; Usage hides the difference.
type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicStreamEvent covers every named SSE event payload:
//
//	message_start       → message.usage.input_tokens
//	content_block_delta → delta.text (the actual tokens)
//	message_delta       → usage.output_tokens
//	message_stop        → end of stream
//	error               → error.message
//
// Fields that do not apply to an event type stay nil.
type anthropicStreamEvent struct {
	Type    string                 `json:"type"`
	Message *anthropicEventMessage `json:"message,omitempty"`
	Delta   *anthropicEventDelta   `json:"delta,omitempty"`
	Usage   *anthropicUsage        `json:"usage,omitempty"`
	Error   *anthropicEventError   `json:"error,omitempty"`
}

type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicEventDelta struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

type anthropicEventError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toAnthropicRequest builds the Messages body. The gateway always sends a
// single user turn.
func toAnthropicRequest(req *CompletionRequest) *anthropicRequest {
	ar := &anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.SystemMessage,
		Messages:  []anthropicMessage{{Role: "user", Content: req.UserMessage}},
	}
	if ar.MaxTokens <= 0 {
		ar.MaxTokens = anthropicDefaultMaxTokens
	}
	return ar
}

// post sends ar and returns the open response on 200. Any other status is
// drained into a *TransportError carrying that status.
func (a *AnthropicProvider) post(ctx context.Context, ar *anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(ar)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	// Anthropic authenticates with x-api-key rather than a bearer token, and
	// every request must pin an API version.
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportError(a.Name(), 0, fmt.Errorf("sending request to anthropic: %w", err))
	}

	// Error bodies look like {"type":"error","error":{...}}. The decoded map
	// only feeds the log message; the status decides the redacted text.
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		_ = json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, transportError(a.Name(), httpResp.StatusCode,
			fmt.Errorf("anthropic API error: %v", errBody))
	}

	return httpResp, nil
}

// ---------------------------------------------------------------------------
// Non-streaming: Complete
// ---------------------------------------------------------------------------

// Complete sends a non-streaming Messages request.
func (a *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	httpResp, err := a.post(ctx, toAnthropicRequest(req))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthropicResp); err != nil {
		return nil, transportError(a.Name(), 0, fmt.Errorf("decoding anthropic response: %w", err))
	}

	// Responses can mix text and tool_use blocks; only text matters here.
	var sb strings.Builder
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &Completion{
		Model:   anthropicResp.Model,
		Content: sb.String(),
		Usage: &Usage{
			PromptTokens:     anthropicResp.Usage.InputTokens,
			CompletionTokens: anthropicResp.Usage.OutputTokens,
			TotalTokens:      anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
		},
	}, nil
}

// ---------------------------------------------------------------------------
// Streaming: StreamCompletion
// ---------------------------------------------------------------------------

// StreamCompletion sends a streaming Messages request. Token counts arrive
// in two halves (input on message_start, output on message_delta) and are
// combined on the final chunk emitted for message_stop.
func (a *AnthropicProvider) StreamCompletion(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	ar := toAnthropicRequest(req)
	ar.Stream = true

	httpResp, err := a.post(ctx, ar)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		var inputTokens, outputTokens int

		// Same line-oriented SSE reading as the Gemini adapter. The 1MB cap
		// only guards against a runaway line.
		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()

			// "event:" lines repeat the type that is also inside the
			// data payload, so only data lines are decoded.
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				sendChunk(ctx, ch, StreamChunk{
					Done: true,
					Err:  transportError(a.Name(), 0, fmt.Errorf("decoding anthropic stream event: %w", err)),
				})
				return
			}

			// Dispatch on the payload type. ping and content_block_start/stop
			// carry nothing we need and fall through the switch.
			switch event.Type {
			case "message_start":
				if event.Message != nil {
					inputTokens = event.Message.Usage.InputTokens
				}

			case "content_block_delta":
				if event.Delta == nil || event.Delta.Text == "" {
					continue
				}
				if !sendChunk(ctx, ch, StreamChunk{Delta: event.Delta.Text}) {
					return
				}

			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				// The only successful exit: usage halves are combined here.
				sendChunk(ctx, ch, StreamChunk{
					Done: true,
					Usage: &Usage{
						PromptTokens:     inputTokens,
						CompletionTokens: outputTokens,
						TotalTokens:      inputTokens + outputTokens,
					},
				})
				return

			case "error":
				// Mid-stream failures (overloaded_error and friends) arrive
				// as an event on a 200 response, so there is no status.
				msg := "unknown stream error"
				if event.Error != nil {
					msg = event.Error.Type + ": " + event.Error.Message
				}
				sendChunk(ctx, ch, StreamChunk{
					Done: true,
					Err:  transportError(a.Name(), 0, errors.New(msg)),
				})
				return
			}
		}

		// The body ended without message_stop: either the read failed or the
		// server hung up. Both are truncation, never a finished answer.
		err := scanner.Err()
		if err == nil {
			err = errors.New("anthropic stream ended before message_stop")
		}
		sendChunk(ctx, ch, StreamChunk{
			Done: true,
			Err:  transportError(a.Name(), 0, fmt.Errorf("reading anthropic stream: %w", err)),
		})
	}()

	return ch, nil
}
