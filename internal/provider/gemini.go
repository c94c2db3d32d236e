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
// GeminiProvider struct + constructor
// ---------------------------------------------------------------------------

// GeminiProvider implements the Provider interface for Google's Gemini
// REST API. It translates a CompletionRequest into Gemini's format, makes
// the HTTP call, and translates the response back.
type GeminiProvider struct {
	apiKey  string       // sent as the x-goog-api-key header
	baseURL string       // e.g. "https://generativelanguage.googleapis.com/v1beta"
	client  *http.Client // timeouts live here, not in the gateway
}

// NewGeminiProvider creates a GeminiProvider. The client is injected so
// callers control timeouts and tests can replay recorded traffic.
func NewGeminiProvider(apiKey, baseURL string, client *http.Client) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the provider identifier.
func (g *GeminiProvider) Name() string {
	return "gemini"
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent is one message. Gemini uses "parts" because it accepts
// multimodal input; text-only requests always send a single part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  int    `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (u *geminiUsageMetadata) usage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}

// text concatenates every text part of the first candidate.
func (r *geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest moves the system message into systemInstruction (Gemini
// does not accept a "system" role in contents) and maps max tokens and JSON
// mode into generationConfig.
func toGeminiRequest(req *CompletionRequest) *geminiRequest {
	gr := &geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: req.UserMessage}},
		}},
	}

	if req.SystemMessage != "" {
		gr.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.SystemMessage}},
		}
	}

	if req.MaxTokens > 0 || req.JSONMode {
		gr.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
		if req.JSONMode {
			gr.GenerationConfig.ResponseMIMEType = "application/json"
		}
	}

	return gr
}

// post builds and sends a request to the given model method, returning the
// open response. Non-200 responses are turned into a *TransportError and
// their body is closed.
func (g *GeminiProvider) post(ctx context.Context, req *CompletionRequest, method string) (*http.Response, error) {
	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:%s", g.baseURL, req.Model, method)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, transportError(g.Name(), 0, fmt.Errorf("sending request to gemini: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		_ = json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, transportError(g.Name(), httpResp.StatusCode,
			fmt.Errorf("gemini API error: %v", errBody))
	}

	return httpResp, nil
}

// ---------------------------------------------------------------------------
// Non-streaming: Complete
// ---------------------------------------------------------------------------

// Complete calls generateContent and returns the whole answer.
func (g *GeminiProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	httpResp, err := g.post(ctx, req, "generateContent")
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var geminiResp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&geminiResp); err != nil {
		return nil, transportError(g.Name(), 0, fmt.Errorf("decoding gemini response: %w", err))
	}

	if len(geminiResp.Candidates) == 0 {
		return nil, transportError(g.Name(), 0, errors.New("gemini returned no candidates"))
	}

	return &Completion{
		Model:   req.Model,
		Content: geminiResp.text(),
		Usage:   geminiResp.UsageMetadata.usage(),
	}, nil
}

// ---------------------------------------------------------------------------
// Streaming: StreamCompletion
// ---------------------------------------------------------------------------

// StreamCompletion calls streamGenerateContent?alt=sse and returns a channel
// of deltas.
//
// Gemini sends the same JSON shape for every SSE event, each carrying the
// next slice of text. The final event has a non-empty finishReason and the
// usage metadata. A body that ends without a finishReason was truncated and
// is reported as a transport error.
func (g *GeminiProvider) StreamCompletion(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	httpResp, err := g.post(ctx, req, "streamGenerateContent?alt=sse")
	if err != nil {
		return nil, err
	}

	// Unbuffered: the goroutine reads the next SSE event only after the
	// consumer took the current chunk, so no text piles up in memory.
	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		var usage *Usage

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()

			// Blank separators and ":" comments carry no data.
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &geminiResp); err != nil {
				sendChunk(ctx, ch, StreamChunk{
					Done: true,
					Err:  transportError(g.Name(), 0, fmt.Errorf("decoding gemini stream event: %w", err)),
				})
				return
			}

			if u := geminiResp.UsageMetadata.usage(); u != nil {
				usage = u
			}
			if len(geminiResp.Candidates) == 0 {
				continue
			}

			chunk := StreamChunk{Delta: geminiResp.text()}
			if geminiResp.Candidates[0].FinishReason != "" {
				chunk.Done = true
				chunk.Usage = usage
			}

			if chunk.Delta == "" && !chunk.Done {
				continue
			}
			if !sendChunk(ctx, ch, chunk) || chunk.Done {
				return
			}
		}

		err := scanner.Err()
		if err == nil {
			err = errors.New("gemini stream ended before a finish reason")
		}
		sendChunk(ctx, ch, StreamChunk{
			Done: true,
			Err:  transportError(g.Name(), 0, fmt.Errorf("reading gemini stream: %w", err)),
		})
	}()

	return ch, nil
}
