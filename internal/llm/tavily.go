package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const tavilySearchURL = "https://api.tavily.com/search"

// tavilyToolDefinition is the OpenAI-style function tool description
// offered to the model so it can ask for a web search before answering.
func tavilyToolDefinition() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        "tavily_search",
			"description": "Search the web for up-to-date information relevant to the user's question.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query.",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// tavilyToolLoop drives an explicit round-based tool-calling state machine:
// each round offers tavily_search, executes every tool call the model
// requests, feeds the results back as tool messages, and returns as soon
// as the model produces a final answer. Five rounds without a terminal
// response is treated as a failure.
func (c *Client) tavilyToolLoop(ctx context.Context, modelName string, messages json.RawMessage, maxTokens int) (string, error) {
	var history []json.RawMessage
	var initial []json.RawMessage
	if err := json.Unmarshal(messages, &initial); err != nil {
		return "", fmt.Errorf("llm: decode messages: %w", err)
	}
	history = append(history, initial...)

	for round := 0; round < maxToolRounds; round++ {
		body := map[string]any{
			"model":       modelName,
			"messages":    history,
			"tools":       []any{tavilyToolDefinition()},
			"tool_choice": "auto",
		}
		if maxTokens > 0 {
			body["max_tokens"] = maxTokens
		}

		raw, err := c.postChatCompletions(ctx, body, searchChatTimeout)
		if err != nil {
			return "", err
		}

		var resp struct {
			Choices []struct {
				Message struct {
					Role      string         `json:"role"`
					Content   json.RawMessage `json:"content"`
					ToolCalls []toolCall      `json:"tool_calls"`
				} `json:"message"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			return "", fmt.Errorf("llm: decode tool-loop response: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", ErrMissingContent
		}
		choice := resp.Choices[0]

		if len(choice.Message.ToolCalls) > 0 {
			assistantMsg := map[string]any{
				"role":       "assistant",
				"content":    choice.Message.Content,
				"tool_calls": choice.Message.ToolCalls,
			}
			assistantRaw, _ := json.Marshal(assistantMsg)
			history = append(history, assistantRaw)

			for _, call := range choice.Message.ToolCalls {
				result := c.runToolCall(ctx, call)
				toolMsg := map[string]any{
					"role":         "tool",
					"tool_call_id": call.ID,
					"content":      result,
				}
				toolRaw, _ := json.Marshal(toolMsg)
				history = append(history, toolRaw)
			}
			continue
		}

		// No further tool calls: whatever content came back is the answer,
		// terminal finish_reason or not. Return it immediately; an empty
		// extraction just falls through to the next round.
		content, ok := extractMessageContent(map[string]any{"content": rawToAny(choice.Message.Content)})
		if ok && strings.TrimSpace(content) != "" {
			return content, nil
		}
	}

	return "", ErrMissingContent
}

func rawToAny(raw json.RawMessage) any {
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}

func (c *Client) runToolCall(ctx context.Context, call toolCall) string {
	if call.Function.Name != "tavily_search" {
		return fmt.Sprintf("unsupported tool: %s", call.Function.Name)
	}
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return fmt.Sprintf("invalid tool arguments: %v", err)
	}
	result, err := c.callTavilySearch(ctx, args.Query)
	if err != nil {
		return fmt.Sprintf("search failed: %v", err)
	}
	return result
}

type tavilySearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type tavilyResponse struct {
	Answer  string                `json:"answer"`
	Results []tavilySearchResult  `json:"results"`
}

// callTavilySearch queries the Tavily search API and renders the answer
// and top results as a Markdown summary.
func (c *Client) callTavilySearch(ctx context.Context, query string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"api_key":               c.TavilyAPIKey,
		"query":                 query,
		"search_depth":          "basic",
		"include_answer":        true,
		"include_raw_content":   false,
		"max_results":           5,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal tavily request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, tavilyTimeout)
	defer cancel()

	url := c.TavilySearchURL
	if url == "" {
		url = tavilySearchURL
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("llm: build tavily request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: tavily request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read tavily response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{Status: resp.StatusCode, Message: extractErrorMessage(body)}
	}

	var tr tavilyResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("llm: decode tavily response: %w", err)
	}

	return formatTavilyResult(tr), nil
}

func formatTavilyResult(tr tavilyResponse) string {
	var b strings.Builder

	if strings.TrimSpace(tr.Answer) != "" {
		b.WriteString("## 搜索摘要\n")
		b.WriteString(tr.Answer)
		b.WriteString("\n\n")
	}

	if len(tr.Results) > 0 {
		b.WriteString("## 搜索结果\n")
		for i, r := range tr.Results {
			if i >= 5 {
				break
			}
			fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Content)
		}
	}

	if b.Len() == 0 {
		return "未找到相关搜索结果。"
	}
	return strings.TrimSpace(b.String())
}
