package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
)

var transcriptionMimeByExt = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".mpeg": "audio/mpeg",
	".mpg":  "audio/mpeg",
	".mpga": "audio/mpeg",
}

// guessTranscriptionMime maps a file name's extension to the MIME type the
// transcription endpoint expects, defaulting to a generic binary type for
// anything unrecognized.
func guessTranscriptionMime(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if mime, ok := transcriptionMimeByExt[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}

// CallAudioTranscription uploads audio (named fileName, already read into
// memory) to {BaseURL}/audio/transcriptions and returns the transcript.
func (c *Client) CallAudioTranscription(ctx context.Context, modelName, fileName string, audio []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("model", modelName); err != nil {
		return "", fmt.Errorf("llm: write model field: %w", err)
	}
	if err := mw.WriteField("language", "zh"); err != nil {
		return "", fmt.Errorf("llm: write language field: %w", err)
	}

	partHeader := make(map[string][]string)
	partHeader["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName)}
	partHeader["Content-Type"] = []string{guessTranscriptionMime(fileName)}
	part, err := mw.CreatePart(partHeader)
	if err != nil {
		return "", fmt.Errorf("llm: create file part: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("llm: write audio bytes: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("llm: close multipart writer: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, transcriptionTimeout)
	defer cancel()

	req, err := newRequest(reqCtx, http.MethodPost, c.BaseURL+"/audio/transcriptions", &buf, c.APIKey, mw.FormDataContentType())
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read transcription response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{Status: resp.StatusCode, Message: extractErrorMessage(body)}
	}

	var v map[string]any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("llm: decode transcription response: %w", err)
	}
	if text, ok := v["text"].(string); ok && strings.TrimSpace(text) != "" {
		return text, nil
	}
	if text, ok := v["transcript"].(string); ok && strings.TrimSpace(text) != "" {
		return text, nil
	}
	if data, ok := v["data"].(map[string]any); ok {
		if text, ok := data["text"].(string); ok && strings.TrimSpace(text) != "" {
			return text, nil
		}
	}
	return "", ErrMissingContent
}
