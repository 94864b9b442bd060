package runtime_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/bdobrica/nbotgw/internal/plugin/codec"
	"github.com/bdobrica/nbotgw/internal/plugin/runtime"
)

func writeEntry(t *testing.T, root, name, src string) {
	t.Helper()
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, name), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_ScriptAndOnEnable(t *testing.T) {
	root := t.TempDir()
	writeEntry(t, root, "index.js", `
		let enabled = false;
		return ({
			default: {
				onEnable: function() { enabled = true; host.log("info", "enabled"); },
				preCommand: function(ctx) { return enabled; },
			}
		}).default;
	`)

	rt, err := runtime.New("echo", json.RawMessage(`{"greeting":"hi"}`), t.TempDir(), root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Load("index.js", codec.CodeTypeScript); err != nil {
		t.Fatalf("Load: %v", err)
	}

	allow, _, err := rt.PreCommand(json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("PreCommand: %v", err)
	}
	if !allow {
		t.Fatal("expected preCommand to allow after onEnable ran")
	}
}

func TestPreCommand_ExplicitFalseDenies(t *testing.T) {
	root := t.TempDir()
	writeEntry(t, root, "index.js", `
		return ({
			default: {
				preCommand: function(ctx) { return false; },
			}
		}).default;
	`)

	rt, err := runtime.New("gate", nil, t.TempDir(), root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Load("index.js", codec.CodeTypeScript); err != nil {
		t.Fatalf("Load: %v", err)
	}

	allow, _, err := rt.PreCommand(json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("PreCommand: %v", err)
	}
	if allow {
		t.Fatal("expected preCommand to deny on explicit false")
	}
}

func TestPreCommand_NoHookDefaultsToAllow(t *testing.T) {
	root := t.TempDir()
	writeEntry(t, root, "index.js", `return ({ default: {} }).default;`)

	rt, err := runtime.New("noop", nil, t.TempDir(), root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Load("index.js", codec.CodeTypeScript); err != nil {
		t.Fatalf("Load: %v", err)
	}

	allow, outputs, err := rt.PreCommand(json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("PreCommand: %v", err)
	}
	if !allow {
		t.Fatal("expected default allow when hook is absent")
	}
	if len(outputs) != 0 {
		t.Fatalf("expected no outputs, got %+v", outputs)
	}
}

func TestOnCommand_QueuesSendReplyOutput(t *testing.T) {
	root := t.TempDir()
	writeEntry(t, root, "index.js", `
		return ({
			default: {
				onCommand: function(ctx) {
					host.sendReply(ctx.userId, ctx.groupId, "pong");
				},
			}
		}).default;
	`)

	rt, err := runtime.New("echo", nil, t.TempDir(), root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Load("index.js", codec.CodeTypeScript); err != nil {
		t.Fatalf("Load: %v", err)
	}

	outputs, err := rt.OnCommand(json.RawMessage(`{"userId":"u1","groupId":"g1"}`))
	if err != nil {
		t.Fatalf("OnCommand: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Kind != runtime.OutputSendReply {
		t.Fatalf("unexpected outputs: %+v", outputs)
	}
	if outputs[0].UserID != "u1" || outputs[0].GroupID != "g1" || outputs[0].Content != "pong" {
		t.Fatalf("unexpected output fields: %+v", outputs[0])
	}
}

func TestStorage_RoundTripsAcrossHookCalls(t *testing.T) {
	root := t.TempDir()
	writeEntry(t, root, "index.js", `
		return ({
			default: {
				onCommand: function(ctx) {
					const seen = host.storageGet("count");
					const next = (seen || 0) + 1;
					host.storageSet("count", next);
					host.sendReply(ctx.userId, "", "count=" + next);
				},
			}
		}).default;
	`)

	rt, err := runtime.New("counter", nil, t.TempDir(), root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Load("index.js", codec.CodeTypeScript); err != nil {
		t.Fatalf("Load: %v", err)
	}

	for i, want := range []string{"count=1", "count=2"} {
		outputs, err := rt.OnCommand(json.RawMessage(`{"userId":"u1"}`))
		if err != nil {
			t.Fatalf("OnCommand iteration %d: %v", i, err)
		}
		if len(outputs) != 1 || outputs[0].Content != want {
			t.Fatalf("iteration %d: unexpected outputs %+v", i, outputs)
		}
	}
}

func TestUpdateConfig_InvokesOnConfigUpdated(t *testing.T) {
	root := t.TempDir()
	writeEntry(t, root, "index.js", `
		let lastGreeting = "";
		return ({
			default: {
				onConfigUpdated: function(cfg) { lastGreeting = cfg.greeting; },
				onCommand: function(ctx) { host.sendReply(ctx.userId, "", lastGreeting); },
			}
		}).default;
	`)

	rt, err := runtime.New("cfg", json.RawMessage(`{"greeting":"old"}`), t.TempDir(), root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Load("index.js", codec.CodeTypeScript); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := rt.UpdateConfig(json.RawMessage(`{"greeting":"new"}`)); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	outputs, err := rt.OnCommand(json.RawMessage(`{"userId":"u1"}`))
	if err != nil {
		t.Fatalf("OnCommand: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != "new" {
		t.Fatalf("expected updated config to be visible, got %+v", outputs)
	}
}

func TestOnLlmResponse_DispatchesCallback(t *testing.T) {
	root := t.TempDir()
	writeEntry(t, root, "index.js", `
		return ({
			default: {
				onLlmResponse: function(resp) {
					host.sendReply("u1", "", resp.success ? resp.content : "error:" + resp.content);
				},
			}
		}).default;
	`)

	rt, err := runtime.New("llm", nil, t.TempDir(), root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Load("index.js", codec.CodeTypeScript); err != nil {
		t.Fatalf("Load: %v", err)
	}

	outputs, err := rt.OnLlmResponse("req-1", true, "hello back")
	if err != nil {
		t.Fatalf("OnLlmResponse: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != "hello back" {
		t.Fatalf("unexpected outputs: %+v", outputs)
	}
}
