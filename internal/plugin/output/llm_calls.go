package output

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bdobrica/nbotgw/internal/plugin/output/multimodal"
	"github.com/bdobrica/nbotgw/internal/plugin/runtime"
)

func senderKeyFor(o runtime.Output) string {
	if o.UserID != "" {
		return o.UserID
	}
	return o.GroupID
}

// callLlmChat runs a plain (or search-augmented) chat-completions call and
// reports the outcome back to the originating plugin via OnLlmResponse.
func (p *Processor) callLlmChat(ctx context.Context, pluginID, botID string, o runtime.Output, withSearch bool) ([]runtime.WithSource, error) {
	ok, err := p.abuseGuard(ctx, botID, o.UserID, o.GroupID, senderKeyFor(o))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	enableSearch := withSearch
	if o.EnableSearch != nil {
		enableSearch = *o.EnableSearch
	}

	messages := inlineMessageImages(ctx, o.Messages)
	client, modelName := p.llmClientFor(ctx, o.ModelName)

	var content string
	if withSearch || enableSearch {
		content, err = client.CallChatCompletionsWithTavily(ctx, modelName, messages, o.MaxTokens, enableSearch)
	} else {
		content, err = client.CallChatCompletions(ctx, modelName, messages, o.MaxTokens)
	}

	success := err == nil
	if !success {
		content = err.Error()
	}
	return p.Callback.OnLlmResponse(pluginID, o.RequestID, success, content)
}

// callLlmAndForward covers the whole CallLlmAndForward* family: it builds
// (or extends) a message list from the requested source (plain messages,
// a fetched URL, inlined image/video/audio media, or a media bundle),
// calls the chat-completions gateway, and reports the result back to the
// originating plugin. A best-effort failure in building the message set
// still reports back (success=false) rather than silently dropping the
// task, matching the teacher's error-propagation-over-swallowing style.
func (p *Processor) callLlmAndForward(ctx context.Context, pluginID, botID string, o runtime.Output) ([]runtime.WithSource, error) {
	ok, err := p.abuseGuard(ctx, botID, o.UserID, o.GroupID, senderKeyFor(o))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	messages, buildErr := p.buildForwardMessages(ctx, o)
	if buildErr != nil {
		return p.Callback.OnLlmResponse(pluginID, o.RequestID, false, buildErr.Error())
	}

	enableSearch := o.EnableSearch != nil && *o.EnableSearch
	client, modelName := p.llmClientFor(ctx, o.ModelName)
	content, callErr := client.CallChatCompletionsWithTavily(ctx, modelName, messages, o.MaxTokens, enableSearch)
	success := callErr == nil
	if !success {
		content = callErr.Error()
	}
	return p.Callback.OnLlmResponse(pluginID, o.RequestID, success, content)
}

// buildForwardMessages assembles the chat message array for each
// CallLlmAndForward* variant.
func (p *Processor) buildForwardMessages(ctx context.Context, o runtime.Output) (json.RawMessage, error) {
	switch o.Kind {
	case runtime.OutputCallLlmAndForward:
		return o.Messages, nil

	case runtime.OutputCallLlmAndForwardFromURL:
		data, err := downloadBinary(ctx, o.SourceURL, timeoutOrDefault(o.TimeoutMS), maxBytesOrDefault(o.MaxBytes))
		if err != nil {
			return nil, err
		}
		text := string(data)
		if o.MaxChars > 0 && len(text) > o.MaxChars {
			text = text[:o.MaxChars]
		}
		return buildTextMessages(o.SystemPrompt, o.Prompt, text), nil

	case runtime.OutputCallLlmForwardImage:
		dataURL, err := multimodal.InlineImageURL(ctx, o.SourceURL)
		if err != nil {
			return nil, err
		}
		return buildMediaMessage(o.SystemPrompt, o.Prompt, "image_url", dataURL), nil

	case runtime.OutputCallLlmForwardVideo:
		// Video frames are not decoded client-side; the URL itself is
		// passed through for a gateway capable of fetching it.
		return buildMediaMessage(o.SystemPrompt, o.Prompt, "video_url", o.SourceURL), nil

	case runtime.OutputCallLlmForwardAudio:
		data, err := downloadBinary(ctx, o.SourceURL, timeoutOrDefault(o.TimeoutMS), maxBytesOrDefault(o.MaxBytes))
		if err != nil {
			return nil, err
		}
		text, err := p.LLM.CallAudioTranscription(ctx, o.ModelName, fileNameOrDefault(o.FileName), data)
		if err != nil {
			return nil, fmt.Errorf("output: transcribe audio: %w", err)
		}
		return buildTextMessages(o.SystemPrompt, o.Prompt, text), nil

	case runtime.OutputCallLlmForwardMediaBndl:
		return p.buildMediaBundleMessages(ctx, o)

	default:
		return nil, fmt.Errorf("output: %s is not a forward-message output", o.Kind)
	}
}

func (p *Processor) buildMediaBundleMessages(ctx context.Context, o runtime.Output) (json.RawMessage, error) {
	parts := []map[string]any{
		{"type": "text", "text": o.Prompt},
	}

	inlined := 0
	for _, item := range o.MediaItems {
		if item.Kind != "image" || inlined >= multimodal.MaxImages {
			continue
		}
		dataURL, err := multimodal.InlineImageURL(ctx, item.URL)
		if err != nil {
			// Best-effort: keep the original URL rather than drop the item.
			dataURL = item.URL
		}
		parts = append(parts, map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": dataURL},
		})
		inlined++
	}

	return buildMessagesWithParts(o.SystemPrompt, parts), nil
}

func fileNameOrDefault(name string) string {
	if name == "" {
		return "audio.mp3"
	}
	return name
}

func buildTextMessages(systemPrompt, prompt, body string) json.RawMessage {
	text := prompt
	if body != "" {
		text = prompt + "\n\n" + body
	}
	parts := []map[string]any{{"type": "text", "text": text}}
	return buildMessagesWithParts(systemPrompt, parts)
}

func buildMediaMessage(systemPrompt, prompt, urlField, url string) json.RawMessage {
	parts := []map[string]any{
		{"type": "text", "text": prompt},
		{"type": urlField, urlField: map[string]any{"url": url}},
	}
	return buildMessagesWithParts(systemPrompt, parts)
}

func buildMessagesWithParts(systemPrompt string, parts []map[string]any) json.RawMessage {
	var messages []map[string]any
	if systemPrompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": systemPrompt})
	}
	messages = append(messages, map[string]any{"role": "user", "content": parts})
	raw, _ := json.Marshal(messages)
	return raw
}

// inlineMessageImages rewrites any image_url parts already present in a
// plain callLlmChat message list to inline data: URLs, the same
// media-prepare step the CallLlmAndForward* family runs before dispatch
// (spec.md §4.7), bounded by multimodal.MaxImages. Best-effort: a message
// list that fails to parse, or an individual image that fails to download,
// is left untouched rather than failing the call.
func inlineMessageImages(ctx context.Context, messages json.RawMessage) json.RawMessage {
	if len(messages) == 0 {
		return messages
	}

	var parsed []map[string]any
	if err := json.Unmarshal(messages, &parsed); err != nil {
		return messages
	}

	inlined := 0
	for _, msg := range parsed {
		parts, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, partAny := range parts {
			if inlined >= multimodal.MaxImages {
				break
			}
			part, ok := partAny.(map[string]any)
			if !ok || part["type"] != "image_url" {
				continue
			}
			imageURL, ok := part["image_url"].(map[string]any)
			if !ok {
				continue
			}
			url, _ := imageURL["url"].(string)
			if url == "" {
				continue
			}
			dataURL, err := multimodal.InlineImageURL(ctx, url)
			if err != nil {
				continue
			}
			imageURL["url"] = dataURL
			inlined++
		}
	}

	raw, err := json.Marshal(parsed)
	if err != nil {
		return messages
	}
	return raw
}
