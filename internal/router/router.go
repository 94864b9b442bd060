package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/bdobrica/nbotgw/common/redact"
	"github.com/bdobrica/nbotgw/common/trace"
	"github.com/bdobrica/nbotgw/internal/platform"
	"github.com/bdobrica/nbotgw/internal/plugin/output"
	"github.com/bdobrica/nbotgw/internal/plugin/runtime"
)

// Hooks is the subset of manager.Manager the router drives. Declared
// locally so router does not import manager directly; *manager.Manager
// satisfies it structurally.
type Hooks interface {
	PreMessage(ctx json.RawMessage) (bool, []runtime.WithSource, error)
	PreCommand(ctx json.RawMessage) (bool, []runtime.WithSource, error)
	OnCommand(id string, ctx json.RawMessage) ([]runtime.WithSource, error)
	OnNotice(ctx json.RawMessage) (bool, []runtime.WithSource, error)
	OnMetaEvent(ctx json.RawMessage) (bool, []runtime.WithSource, error)
}

// CommandSource resolves a command name typed by a user to the plugin id
// that should handle it, applying spec.md §4.9's kind*2+exact scoring.
type CommandSource interface {
	Resolve(name string) (pluginID string, ok bool)
}

// Router classifies inbound events, drives the preMessage/preCommand/
// execute hook firing order against Hooks, and feeds every resulting
// output to Output for delivery (spec.md §4.9).
type Router struct {
	Hooks    Hooks
	Platform platform.Platform
	Output   *output.Processor
	Commands CommandSource

	// Prefix is the configured command prefix. Defaults to "/" when empty.
	Prefix string

	// IsSuperAdmin reports whether userID bypasses hook denials. Optional;
	// nil means no super-admins.
	IsSuperAdmin func(userID string) bool
}

func (r *Router) prefix() string {
	if r.Prefix == "" {
		return "/"
	}
	return r.Prefix
}

func (r *Router) isSuperAdmin(userID string) bool {
	return r.IsSuperAdmin != nil && r.IsSuperAdmin(userID)
}

func (r *Router) deliver(ctx context.Context, botID string, outs []runtime.WithSource) {
	if r.Output == nil || len(outs) == 0 {
		return
	}
	r.Output.Process(ctx, botID, outs)
}

// hookContext is the payload passed to every plugin hook: the event itself
// plus the router-computed extras plugins rely on.
type hookContext struct {
	Event
	AtBot        bool            `json:"at_bot,omitempty"`
	SensitiveIDs []string        `json:"sensitive_ids,omitempty"`
	ReplyMessage json.RawMessage `json:"reply_message,omitempty"`
	Command      *Command        `json:"command,omitempty"`
}

// Route classifies raw as an Event and dispatches it through the hook
// pipeline appropriate to its post_type (spec.md §4.9).
func (r *Router) Route(ctx context.Context, botID string, raw json.RawMessage) error {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return err
	}
	ev.Raw = raw

	if trace.FromContext(ctx) == "" {
		ctx = trace.WithTraceID(ctx, trace.GenerateID())
	}

	switch ev.PostType {
	case "message":
		return r.routeMessage(ctx, botID, ev)
	case "notice":
		return r.routeGated(ctx, botID, ev, r.Hooks.OnNotice)
	case "meta_event":
		return r.routeGated(ctx, botID, ev, r.Hooks.OnMetaEvent)
	default:
		slog.Debug("router: ignoring unrecognized post_type", "post_type", ev.PostType)
		return nil
	}
}

func (r *Router) routeGated(ctx context.Context, botID string, ev Event, hook func(json.RawMessage) (bool, []runtime.WithSource, error)) error {
	payload, err := json.Marshal(hookContext{Event: ev})
	if err != nil {
		return err
	}
	_, outs, err := hook(payload)
	if err != nil {
		slog.Error("router: hook dispatch failed", "trace_id", trace.FromContext(ctx), "post_type", ev.PostType, "error", err)
	}
	r.deliver(ctx, botID, outs)
	return nil
}

func (r *Router) routeMessage(ctx context.Context, botID string, ev Event) error {
	selfID := ev.SelfID
	if selfID == "" {
		if id, err := r.Platform.GetSelfID(ctx, botID); err == nil {
			selfID = id
		}
	}
	if selfID != "" && ev.UserID == selfID {
		return nil
	}

	ids := ev.SensitiveIDs(selfID)
	ctx = redact.WithSensitiveIDs(ctx, ids...)

	hc := hookContext{
		Event:        ev,
		AtBot:        ev.AtBot(selfID),
		SensitiveIDs: ids,
	}

	if replyID, ok := findReplyID(ev.RawMessage); ok {
		resp, err := r.Platform.CallAPI(ctx, botID, "get_msg", map[string]any{"message_id": replyID})
		if err != nil {
			slog.Warn("router: reply resolution failed", "message_id", replyID, "error", err)
		} else {
			hc.ReplyMessage = resp.Data
		}
	}

	cmd, isCommand := ExtractCommand(ev, r.prefix())
	if isCommand {
		hc.Command = &cmd
	}

	payload, err := json.Marshal(hc)
	if err != nil {
		return err
	}

	allow, outs, err := r.Hooks.PreMessage(payload)
	if err != nil {
		slog.Error("router: preMessage failed", "trace_id", trace.FromContext(ctx), "error", err)
		allow = false
	}
	r.deliver(ctx, botID, outs)
	if !allow && !r.isSuperAdmin(ev.UserID) {
		return nil
	}

	if !isCommand {
		return nil
	}

	cAllow, cOuts, cErr := r.Hooks.PreCommand(payload)
	if cErr != nil {
		slog.Error("router: preCommand failed", "trace_id", trace.FromContext(ctx), "error", cErr)
		cAllow = false
	}
	r.deliver(ctx, botID, cOuts)
	if !cAllow && !r.isSuperAdmin(ev.UserID) {
		return nil
	}

	if r.Commands == nil {
		return nil
	}
	pluginID, ok := r.Commands.Resolve(cmd.Name)
	if !ok {
		return nil
	}

	outs, err = r.Hooks.OnCommand(pluginID, payload)
	if err != nil {
		slog.Error("router: onCommand failed", "trace_id", trace.FromContext(ctx), "plugin", pluginID, "error", err)
		return err
	}
	r.deliver(ctx, botID, outs)
	return nil
}
