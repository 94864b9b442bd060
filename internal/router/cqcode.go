package router

import (
	"regexp"
	"strings"
)

// cqCodeRE matches a single OneBot CQ code: [CQ:type,key=value,key=value].
var cqCodeRE = regexp.MustCompile(`\[CQ:([a-zA-Z0-9_]+)((?:,[^,\]]*)*)\]`)

// leadingCQCodeRE matches one CQ code anchored at the start of a string,
// used to strip a run of leading codes without touching anything after
// them (spec.md §4.9 command extraction, third candidate).
var leadingCQCodeRE = regexp.MustCompile(`^\[CQ:[a-zA-Z0-9_]+(?:,[^,\]]*)*\]`)

// cqCode is one parsed [CQ:...] inline segment.
type cqCode struct {
	Type string
	Args map[string]string
}

func parseCQArgs(raw string) map[string]string {
	args := map[string]string{}
	for _, pair := range strings.Split(strings.TrimPrefix(raw, ","), ",") {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		args[k] = v
	}
	return args
}

// parseCQCodes returns every CQ code found anywhere in raw, in order.
func parseCQCodes(raw string) []cqCode {
	matches := cqCodeRE.FindAllStringSubmatch(raw, -1)
	codes := make([]cqCode, 0, len(matches))
	for _, m := range matches {
		codes = append(codes, cqCode{Type: m[1], Args: parseCQArgs(m[2])})
	}
	return codes
}

// stripLeadingCQCodes removes every [CQ:...] segment anchored at the start
// of raw (plus the whitespace separating them), stopping at the first
// non-CQ-code, non-whitespace content.
func stripLeadingCQCodes(raw string) string {
	s := raw
	for {
		trimmed := strings.TrimLeft(s, " \t\r\n")
		loc := leadingCQCodeRE.FindStringIndex(trimmed)
		if loc == nil {
			return trimmed
		}
		s = trimmed[loc[1]:]
	}
}

// findReplyID returns the id argument of a [CQ:reply,id=...] code in raw,
// if present (spec.md §4.9 reply resolution).
func findReplyID(raw string) (string, bool) {
	for _, c := range parseCQCodes(raw) {
		if c.Type == "reply" {
			if id, ok := c.Args["id"]; ok {
				return id, true
			}
		}
	}
	return "", false
}

// atMentionsFromRaw returns every qq value of a [CQ:at,qq=...] code in raw.
func atMentionsFromRaw(raw string) []string {
	var ids []string
	for _, c := range parseCQCodes(raw) {
		if c.Type != "at" {
			continue
		}
		if qq, ok := c.Args["qq"]; ok {
			ids = append(ids, qq)
		}
	}
	return ids
}
