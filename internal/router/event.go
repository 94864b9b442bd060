// Package router classifies inbound OneBot-style events, extracts commands
// out of raw and structured message text, resolves which registered
// command best matches, and drives the preMessage → preCommand → execute
// hook firing order against the plugin manager (spec.md §4.9), grounded on
// internal/ruriko/commands/router.go's parse/dispatch shape.
package router

import (
	"encoding/json"
	"strconv"
)

// MessageSegment is one element of OneBot's structured message array, e.g.
// {"type":"text","data":{"text":"hi"}} or {"type":"at","data":{"qq":"10001"}}.
type MessageSegment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Event mirrors the OneBot v11 event envelope: post_type discriminates
// message/meta_event/notice, the rest of the fields are populated
// depending on that discriminant.
type Event struct {
	PostType      string           `json:"post_type"`
	MessageType   string           `json:"message_type,omitempty"`
	NoticeType    string           `json:"notice_type,omitempty"`
	MetaEventType string           `json:"meta_event_type,omitempty"`
	UserID        string           `json:"user_id,omitempty"`
	GroupID       string           `json:"group_id,omitempty"`
	SelfID        string           `json:"self_id"`
	Message       []MessageSegment `json:"message,omitempty"`
	RawMessage    string           `json:"raw_message,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Text concatenates every "text" segment's data.text field, in order.
func (e Event) Text() string {
	var out string
	for _, seg := range e.Message {
		if seg.Type != "text" {
			continue
		}
		if t, ok := seg.Data["text"].(string); ok {
			out += t
		}
	}
	return out
}

// atMentionQQ returns the qq value as a string regardless of whether the
// platform encoded it as a JSON string or number.
func atMentionQQ(data map[string]any) (string, bool) {
	switch v := data["qq"].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatInt(int64(v), 10), true
	}
	return "", false
}

// AtBot reports whether the structured message array contains an "at"
// segment addressed to selfID (spec.md §4.9 "at_bot").
func (e Event) AtBot(selfID string) bool {
	for _, seg := range e.Message {
		if seg.Type != "at" {
			continue
		}
		if qq, ok := atMentionQQ(seg.Data); ok && qq == selfID {
			return true
		}
	}
	return false
}

// StructuredMentions returns every qq value of an "at" segment in the
// structured message array.
func (e Event) StructuredMentions() []string {
	var ids []string
	for _, seg := range e.Message {
		if seg.Type != "at" {
			continue
		}
		if qq, ok := atMentionQQ(seg.Data); ok {
			ids = append(ids, qq)
		}
	}
	return ids
}

// SensitiveIDs returns the set of ids a redacting logger should mask for
// this event: the bot itself, the author, and every id mentioned either in
// the structured message array or in a raw [CQ:at,qq=...] segment
// (spec.md §4.9 "sensitive ids").
func (e Event) SensitiveIDs(selfID string) []string {
	seen := map[string]struct{}{}
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	add(selfID)
	add(e.UserID)
	for _, id := range e.StructuredMentions() {
		add(id)
	}
	for _, id := range atMentionsFromRaw(e.RawMessage) {
		add(id)
	}
	return ids
}
