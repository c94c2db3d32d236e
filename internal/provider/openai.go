package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ---------------------------------------------------------------------------
// OpenAIProvider struct + constructor
// ---------------------------------------------------------------------------

// OpenAIProvider implements the Provider interface on top of the go-openai
// client, so it works with api.openai.com and with any OpenAI-compatible
// server (Ollama, vLLM, LM Studio) reachable at baseURL.
type OpenAIProvider struct {
	api *openai.Client
}

// NewOpenAIProvider creates an OpenAIProvider. An empty baseURL keeps the
// library default.
func NewOpenAIProvider(apiKey, baseURL string, client *http.Client) *OpenAIProvider {
	// DefaultConfig fills in api.openai.com/v1 and the bearer token. The
	// compatible servers only differ in BaseURL.
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	// The shared client carries the per-provider timeout from config.
	if client != nil {
		config.HTTPClient = client
	}
	return &OpenAIProvider{api: openai.NewClientWithConfig(config)}
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toOpenAIRequest maps the unified request onto the chat completions
// format. Unlike Gemini and Anthropic, OpenAI keeps the system prompt as
// an ordinary message with role "system" at the head of the list.
func toOpenAIRequest(req *CompletionRequest) openai.ChatCompletionRequest {
	var msgs []openai.ChatCompletionMessage
	if req.SystemMessage != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemMessage,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserMessage,
	})

	cr := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	// json_object mode makes the model emit a single valid object. The
	// prompt must still mention JSON or the API rejects the request; ours
	// always do.
	if req.JSONMode {
		cr.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return cr
}

// ---------------------------------------------------------------------------
// Error and usage translation
// ---------------------------------------------------------------------------

// wrapOpenAIError converts go-openai's error types into a *TransportError
// carrying the HTTP status when there is one.
func (o *OpenAIProvider) wrapOpenAIError(err error) error {
	// APIError is a decoded {"error": {...}} body; RequestError is a
	// non-2xx answer whose body was not in that shape.
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return transportError(o.Name(), apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return transportError(o.Name(), reqErr.HTTPStatusCode, err)
	}
	// Anything else never got an HTTP answer: DNS, refused, reset.
	return transportError(o.Name(), 0, err)
}

func toUsage(u openai.Usage) *Usage {
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// ---------------------------------------------------------------------------
// Non-streaming: Complete
// ---------------------------------------------------------------------------

// Complete sends a non-streaming chat completion.
func (o *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	resp, err := o.api.CreateChatCompletion(ctx, toOpenAIRequest(req))
	if err != nil {
		return nil, o.wrapOpenAIError(fmt.Errorf("openai chat completion: %w", err))
	}
	// We never ask for n > 1, so the answer is the first choice.
	if len(resp.Choices) == 0 {
		return nil, transportError(o.Name(), 0, errors.New("openai returned no choices"))
	}

	return &Completion{
		Model:   resp.Model,
		Content: resp.Choices[0].Message.Content,
		Usage:   toUsage(resp.Usage),
	}, nil
}

// ---------------------------------------------------------------------------
// Streaming: StreamCompletion
// ---------------------------------------------------------------------------

// StreamCompletion opens a chat completion stream with usage reporting
// enabled. go-openai already splits the SSE body into events; this adapter
// turns them into StreamChunks. The usage-only event that OpenAI sends after
// the last choice becomes the Done chunk.
//
// The event sequence for one completion looks like:
//
//	{"choices":[{"delta":{"role":"assistant","content":""}}]}
//	{"choices":[{"delta":{"content":"{\"summary\""}}]}
//	...
//	{"choices":[{"delta":{},"finish_reason":"stop"}]}
//	{"choices":[],"usage":{...}}        (only with include_usage)
//	[DONE]
//
// Recv returns io.EOF both after [DONE] and when the body simply ends, so
// the finish_reason is what tells a finished answer from a cut-off one.
func (o *OpenAIProvider) StreamCompletion(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	cr := toOpenAIRequest(req)
	cr.Stream = true
	cr.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	// Errors here happen before any byte of the answer: bad key, unknown
	// model, unreachable host. They are returned directly.
	stream, err := o.api.CreateChatCompletionStream(ctx, cr)
	if err != nil {
		return nil, o.wrapOpenAIError(fmt.Errorf("openai chat completion stream: %w", err))
	}

	// Unbuffered: each delta is handed over only when the gateway is ready
	// for it.
	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer stream.Close()

		var (
			usage    *Usage
			finished bool
		)

		for {
			resp, err := stream.Recv()

			// Step 1: end of body. Without a finish_reason the server
			// stopped mid-answer, which is a transport failure.
			if errors.Is(err, io.EOF) {
				if !finished {
					sendChunk(ctx, ch, StreamChunk{
						Done: true,
						Err:  transportError(o.Name(), 0, errors.New("openai stream ended before a finish reason")),
					})
					return
				}
				// OpenAI-compatible servers that ignore stream_options
				// never send usage; the Done chunk then has none.
				sendChunk(ctx, ch, StreamChunk{Done: true, Usage: usage})
				return
			}
			if err != nil {
				sendChunk(ctx, ch, StreamChunk{
					Done: true,
					Err:  o.wrapOpenAIError(fmt.Errorf("reading openai stream: %w", err)),
				})
				return
			}

			// Step 2: bookkeeping. Usage arrives on its own event after the
			// finish_reason one.
			if resp.Usage != nil {
				usage = toUsage(*resp.Usage)
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.FinishReason != "" {
				finished = true
			}

			// Step 3: forward text. Role-only and finish events carry none.
			if choice.Delta.Content == "" {
				continue
			}
			if !sendChunk(ctx, ch, StreamChunk{Delta: choice.Delta.Content}) {
				return
			}
		}
	}()

	return ch, nil
}
