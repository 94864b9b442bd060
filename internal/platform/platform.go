// Package platform declares the narrow contract the plugin host uses to
// reach the chat platform collaborator. No concrete implementation ships in
// this repository — platform connection management is out of scope (see
// spec.md §1) and is wired in by the embedding process.
package platform

import (
	"context"
	"encoding/json"
)

// SendStatus reports whether a bot may currently send into a group.
type SendStatus string

const (
	SendStatusNormal SendStatus = "normal"
	SendStatusMuted  SendStatus = "muted"
)

// APIResponse is the decoded shape of a callApi response, per spec.md §6.
type APIResponse struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Platform is the collaborator contract the router, output processor, and
// plugin host use to reach the chat platform. Implementations are owned by
// the embedding process (control plane, connection managers) and are
// expected to be safe for concurrent use by multiple bots.
type Platform interface {
	// CallAPI invokes action against botID with the given JSON params and
	// returns the decoded response envelope.
	CallAPI(ctx context.Context, botID, action string, params any) (APIResponse, error)

	// GetSelfID returns botID's own numeric user id as a platform-native
	// string, used to detect self-authored events and @-mentions.
	GetSelfID(ctx context.Context, botID string) (string, error)

	// GetGroupSendStatus reports whether botID may currently send messages
	// into groupID.
	GetGroupSendStatus(ctx context.Context, botID, groupID string) (SendStatus, error)
}
