package llm

import (
	"log/slog"
	"regexp"
	"strings"
)

var (
	longDigitRun  = regexp.MustCompile(`\d{5,}`)
	collapseSpace = regexp.MustCompile(`\s+`)
)

// compactForLog collapses whitespace runs and masks long digit sequences
// (tokens, ids) so a logged response preview can't leak them verbatim.
func compactForLog(s string) string {
	s = collapseSpace.ReplaceAllString(s, " ")
	s = longDigitRun.ReplaceAllString(s, "***")
	return strings.TrimSpace(s)
}

// logSuspiciousContent warns when a chat-completions response extracted
// an implausibly short answer out of a large response body, which usually
// means the extraction combinator picked the wrong field.
func logSuspiciousContent(contentLen int, finishReason, rawResponse string) {
	preview := compactForLog(rawResponse)
	if len(preview) > 500 {
		preview = preview[:500]
	}
	slog.Warn("llm: suspiciously short extracted content",
		"content_length", contentLen,
		"finish_reason", finishReason,
		"response_preview", preview,
	)
}
