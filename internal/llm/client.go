// Package llm is an OpenAI-compatible chat-completions client: retrying
// HTTP transport, a Tavily web-search tool-calling loop, and audio
// transcription, grounded on the embedding process's original Rust
// implementation and the teacher's own OpenAI-compatible provider shape
// (internal/ruriko/nlp/openai.go, internal/gitai/llm/openai.go).
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultChatTimeout   = 180 * time.Second
	searchChatTimeout    = 300 * time.Second
	tavilyTimeout        = 30 * time.Second
	transcriptionTimeout = 300 * time.Second
	maxAttempts          = 3
	maxToolRounds        = 5
	defaultMaxRequestBytes = 8 << 20
)

// Client is an OpenAI-compatible chat-completions gateway.
type Client struct {
	HTTP            *http.Client
	BaseURL         string
	APIKey          string
	MaxRequestBytes int

	// TavilyAPIKey enables the tool-calling web-search loop in
	// CallChatCompletionsWithTavily when set.
	TavilyAPIKey string

	// TavilySearchURL overrides the Tavily search endpoint; empty uses the
	// real API. Exists for tests.
	TavilySearchURL string
}

// New returns a Client targeting baseURL (trailing slash trimmed) with
// apiKey as the bearer token. maxRequestBytes <= 0 defaults to 8MB;
// otherwise it is clamped to [MinRequestBytes, MaxRequestBytesLimit].
func New(baseURL, apiKey string, maxRequestBytes int) *Client {
	if maxRequestBytes <= 0 {
		maxRequestBytes = defaultMaxRequestBytes
	}
	return &Client{
		HTTP:            &http.Client{},
		BaseURL:         strings.TrimRight(baseURL, "/"),
		APIKey:          apiKey,
		MaxRequestBytes: ClampMaxRequestBytes(maxRequestBytes),
	}
}

// APIError is returned when the gateway responds with a non-2xx status:
// at once for a non-retryable status, or once a retryable status has
// exhausted its retry budget. Tavily search failures are reported with it
// too.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: API error (HTTP %d): %s", e.Status, e.Message)
}

// RequestTooLargeError is returned when the marshaled request body exceeds
// Client.MaxRequestBytes.
type RequestTooLargeError struct {
	RequestBytes, LimitBytes int
}

func (e *RequestTooLargeError) Error() string {
	return fmt.Sprintf("llm: request body too large: %d bytes, limit %d bytes", e.RequestBytes, e.LimitBytes)
}

// ErrMissingContent is returned when a successful response carries no
// extractable content in any of the recognized response shapes.
var ErrMissingContent = fmt.Errorf("llm: response carried no extractable content")

// CallChatCompletions sends messages (a JSON array of chat messages) to
// modelName and returns the extracted assistant content.
func (c *Client) CallChatCompletions(ctx context.Context, modelName string, messages json.RawMessage, maxTokens int) (string, error) {
	body := map[string]any{"model": modelName, "messages": json.RawMessage(messages)}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}
	text, err := c.postChatCompletions(ctx, body, defaultChatTimeout)
	if err != nil {
		return "", err
	}
	return extractChatContent(text)
}

// CallChatCompletionsWithTavily behaves like CallChatCompletions, but when
// enableSearch is true and Client.TavilyAPIKey is set, drives a
// tool-calling loop that lets the model issue tavily_search calls before
// producing its final answer. When Tavily is not configured, it falls back
// to setting best-effort "online search" request fields.
func (c *Client) CallChatCompletionsWithTavily(ctx context.Context, modelName string, messages json.RawMessage, maxTokens int, enableSearch bool) (string, error) {
	if enableSearch && c.TavilyAPIKey != "" {
		return c.tavilyToolLoop(ctx, modelName, messages, maxTokens)
	}

	body := map[string]any{"model": modelName, "messages": json.RawMessage(messages)}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}
	if enableSearch {
		body["web_search"] = true
		body["search"] = true
		body["online"] = true
	}
	text, err := c.postChatCompletions(ctx, body, searchChatTimeout)
	if err != nil {
		return "", err
	}
	return extractChatContent(text)
}

func (c *Client) postChatCompletions(ctx context.Context, body any, timeout time.Duration) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}
	if len(payload) > c.MaxRequestBytes {
		return "", &RequestTooLargeError{RequestBytes: len(payload), LimitBytes: c.MaxRequestBytes}
	}
	return c.doWithRetry(ctx, c.BaseURL+"/chat/completions", payload, timeout)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// extractChatContent implements the ordered content-extraction combinator:
// choices[0].message.content (string or array-of-parts), choices[0].text,
// output[0].content[0].text, output_text — the first non-empty result wins.
func extractChatContent(raw string) (string, error) {
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}

	if choices, ok := v["choices"].([]any); ok && len(choices) > 0 {
		choice, _ := choices[0].(map[string]any)
		if message, ok := choice["message"].(map[string]any); ok {
			if content, ok := extractMessageContent(message); ok {
				logIfSuspiciouslyShort(content, raw, choice)
				return content, nil
			}
		}
		if text, ok := choice["text"].(string); ok && strings.TrimSpace(text) != "" {
			return text, nil
		}
	}

	if output, ok := v["output"].([]any); ok && len(output) > 0 {
		if item, ok := output[0].(map[string]any); ok {
			if parts, ok := item["content"].([]any); ok && len(parts) > 0 {
				if part, ok := parts[0].(map[string]any); ok {
					if text, ok := part["text"].(string); ok && strings.TrimSpace(text) != "" {
						return text, nil
					}
				}
			}
		}
	}

	if text, ok := v["output_text"].(string); ok && strings.TrimSpace(text) != "" {
		return text, nil
	}

	return "", ErrMissingContent
}

// extractMessageContent reads a chat message's content field, which may be
// a plain string or an array of {text|content|value} parts to concatenate.
func extractMessageContent(message map[string]any) (string, bool) {
	content, ok := message["content"]
	if !ok {
		return "", false
	}
	switch c := content.(type) {
	case string:
		if strings.TrimSpace(c) == "" {
			return "", false
		}
		return c, true
	case []any:
		var out strings.Builder
		for _, partAny := range c {
			switch p := partAny.(type) {
			case string:
				out.WriteString(p)
			case map[string]any:
				for _, key := range []string{"text", "content", "value"} {
					if s, ok := p[key].(string); ok {
						out.WriteString(s)
						break
					}
				}
			}
		}
		if strings.TrimSpace(out.String()) == "" {
			return "", false
		}
		return out.String(), true
	}
	return "", false
}

func logIfSuspiciouslyShort(content, raw string, choice map[string]any) {
	trimmed := strings.TrimSpace(content)
	if len([]rune(trimmed)) > 6 || len(raw) <= 200 {
		return
	}
	finishReason, _ := choice["finish_reason"].(string)
	logSuspiciousContent(len([]rune(trimmed)), finishReason, raw)
}

func extractErrorMessage(body []byte) string {
	var v map[string]any
	if err := json.Unmarshal(body, &v); err == nil {
		if errVal, ok := v["error"]; ok {
			if s, ok := errVal.(string); ok {
				return s
			}
			if m, ok := errVal.(map[string]any); ok {
				if s, ok := m["message"].(string); ok {
					return s
				}
			}
		}
		if s, ok := v["message"].(string); ok {
			return s
		}
	}
	if len(body) > 400 {
		return string(body[:400])
	}
	return string(body)
}

func newRequest(ctx context.Context, method, url string, body io.Reader, apiKey string, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}
