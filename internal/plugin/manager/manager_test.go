package manager_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/bdobrica/nbotgw/internal/plugin/codec"
	"github.com/bdobrica/nbotgw/internal/plugin/manager"
	"github.com/bdobrica/nbotgw/internal/plugin/registry"
	"github.com/bdobrica/nbotgw/internal/plugin/runtime"
)

func installPlugin(t *testing.T, reg *registry.Registry, dir, id, src string) {
	t.Helper()
	root := filepath.Join(dir, id)
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "index.js"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	m := codec.PluginManifest{
		ID:      id,
		Name:    id,
		Version: "1.0.0",
		Type:    codec.CodeTypeScript,
		Kind:    codec.KindBot,
		Entry:   "index.js",
	}
	if err := reg.Install(m, root); err != nil {
		t.Fatalf("Install %s: %v", id, err)
	}
}

func newManager(t *testing.T) (*manager.Manager, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "state", "plugins.json"))
	if err != nil {
		t.Fatalf("Open registry: %v", err)
	}
	mgr := manager.New(reg, filepath.Join(dir, "data"))
	t.Cleanup(mgr.Stop)
	return mgr, reg, dir
}

func TestLoadAndOnCommand(t *testing.T) {
	mgr, reg, dir := newManager(t)
	installPlugin(t, reg, dir, "echo", `
		return ({
			default: {
				onCommand: function(ctx) { host.sendReply(ctx.userId, "", "pong"); },
			}
		}).default;
	`)

	if err := mgr.Load("echo"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	outs, err := mgr.OnCommand("echo", json.RawMessage(`{"userId":"u1"}`))
	if err != nil {
		t.Fatalf("OnCommand: %v", err)
	}
	if len(outs) != 1 || outs[0].PluginID != "echo" || outs[0].Output.Content != "pong" {
		t.Fatalf("unexpected outputs: %+v", outs)
	}
}

func TestOnCommand_UnknownPluginErrors(t *testing.T) {
	mgr, _, _ := newManager(t)
	if _, err := mgr.OnCommand("ghost", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unloaded plugin")
	}
}

func TestFanOut_WhitelistDeniesBeforeOthersRun(t *testing.T) {
	mgr, reg, dir := newManager(t)
	installPlugin(t, reg, dir, "logger", `
		return ({
			default: {
				preCommand: function(ctx) { host.sendReply("", "", "logger-ran"); return true; },
			}
		}).default;
	`)
	installPlugin(t, reg, dir, "whitelist", `
		return ({
			default: {
				preCommand: function(ctx) { host.sendReply("", "", "whitelist-deny"); return false; },
			}
		}).default;
	`)

	if err := mgr.Load("logger"); err != nil {
		t.Fatalf("Load logger: %v", err)
	}
	if err := mgr.Load("whitelist"); err != nil {
		t.Fatalf("Load whitelist: %v", err)
	}

	allow, outs, err := mgr.PreCommand(json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("PreCommand: %v", err)
	}
	if allow {
		t.Fatal("expected whitelist denial to propagate")
	}
	if len(outs) != 1 || outs[0].PluginID != "whitelist" || outs[0].Output.Content != "whitelist-deny" {
		t.Fatalf("expected only whitelist's output (ran first and short-circuited), got %+v", outs)
	}
}

func TestFanOut_PriorityThenLexicalOrder(t *testing.T) {
	mgr, reg, dir := newManager(t)
	installPlugin(t, reg, dir, "beta", `
		return ({ default: { preCommand: function(ctx) { host.sendReply("", "", "beta"); return true; } } }).default;
	`)
	installPlugin(t, reg, dir, "alpha", `
		return ({ default: { preCommand: function(ctx) { host.sendReply("", "", "alpha"); return true; } } }).default;
	`)
	installPlugin(t, reg, dir, "whitelist", `
		return ({ default: { preCommand: function(ctx) { host.sendReply("", "", "whitelist"); return true; } } }).default;
	`)

	for _, id := range []string{"beta", "alpha", "whitelist"} {
		if err := mgr.Load(id); err != nil {
			t.Fatalf("Load %s: %v", id, err)
		}
	}

	allow, outs, err := mgr.PreCommand(json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("PreCommand: %v", err)
	}
	if !allow {
		t.Fatal("expected all plugins to allow")
	}
	want := []string{"whitelist", "alpha", "beta"}
	if len(outs) != len(want) {
		t.Fatalf("expected %d outputs, got %+v", len(want), outs)
	}
	for i, id := range want {
		if outs[i].PluginID != id {
			t.Fatalf("position %d: expected plugin %s, got %s", i, id, outs[i].PluginID)
		}
	}
}

func TestUnload_ReloadsPluginsAboveOnStack(t *testing.T) {
	mgr, reg, dir := newManager(t)
	installPlugin(t, reg, dir, "first", `
		return ({ default: {} }).default;
	`)
	installPlugin(t, reg, dir, "second", `
		let count = 0;
		return ({
			default: {
				onCommand: function(ctx) {
					count += 1;
					host.sendReply(ctx.userId, "", String(count));
				},
			}
		}).default;
	`)

	if err := mgr.Load("first"); err != nil {
		t.Fatalf("Load first: %v", err)
	}
	if err := mgr.Load("second"); err != nil {
		t.Fatalf("Load second: %v", err)
	}

	outs, err := mgr.OnCommand("second", json.RawMessage(`{"userId":"u1"}`))
	if err != nil || len(outs) != 1 || outs[0].Output.Content != "1" {
		t.Fatalf("expected count=1 before unload, got outs=%+v err=%v", outs, err)
	}

	// "first" is not the top of the load stack ("second" is); unloading it
	// must temporarily unload "second", unload "first", then reload
	// "second" fresh (spec.md §4.6 LIFO unload-above-reload dance).
	if err := mgr.Unload("first"); err != nil {
		t.Fatalf("Unload first: %v", err)
	}

	if _, err := mgr.OnCommand("first", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected first to be unloaded")
	}

	outs, err = mgr.OnCommand("second", json.RawMessage(`{"userId":"u1"}`))
	if err != nil {
		t.Fatalf("OnCommand second after reload: %v", err)
	}
	if len(outs) != 1 || outs[0].Output.Content != "1" {
		t.Fatalf("expected second's in-memory state to have reset across reload, got %+v", outs)
	}

	ids := mgr.IDs()
	if len(ids) != 1 || ids[0] != "second" {
		t.Fatalf("expected only second to remain loaded, got %+v", ids)
	}
}

func TestUpdateConfig_AppliesWithoutReload(t *testing.T) {
	mgr, reg, dir := newManager(t)
	installPlugin(t, reg, dir, "cfg", `
		let greeting = "";
		return ({
			default: {
				onConfigUpdated: function(cfg) { greeting = cfg.greeting; },
				onCommand: function(ctx) { host.sendReply(ctx.userId, "", greeting); },
			}
		}).default;
	`)

	if err := mgr.Load("cfg"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mgr.UpdateConfig("cfg", json.RawMessage(`{"greeting":"hi"}`)); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	outs, err := mgr.OnCommand("cfg", json.RawMessage(`{"userId":"u1"}`))
	if err != nil {
		t.Fatalf("OnCommand: %v", err)
	}
	if len(outs) != 1 || outs[0].Output.Content != "hi" {
		t.Fatalf("expected updated config to be visible, got %+v", outs)
	}
}

func TestOnLlmResponse_AddressesSinglePlugin(t *testing.T) {
	mgr, reg, dir := newManager(t)
	installPlugin(t, reg, dir, "llm", `
		return ({
			default: {
				onLlmResponse: function(resp) { host.sendReply("u1", "", resp.content); },
			}
		}).default;
	`)
	if err := mgr.Load("llm"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	outs, err := mgr.OnLlmResponse("llm", "req-1", true, "hello")
	if err != nil {
		t.Fatalf("OnLlmResponse: %v", err)
	}
	if len(outs) != 1 || outs[0].Output.Kind != runtime.OutputSendReply || outs[0].Output.Content != "hello" {
		t.Fatalf("unexpected outputs: %+v", outs)
	}
}

func TestFanOut_PreCommandErrorFailsClosed(t *testing.T) {
	mgr, reg, dir := newManager(t)
	installPlugin(t, reg, dir, "alpha", `
		return ({ default: { preCommand: function(ctx) { throw new Error("boom"); } } }).default;
	`)
	installPlugin(t, reg, dir, "zeta", `
		return ({ default: { preCommand: function(ctx) { host.sendReply("", "", "zeta-ran"); return true; } } }).default;
	`)
	for _, id := range []string{"alpha", "zeta"} {
		if err := mgr.Load(id); err != nil {
			t.Fatalf("Load %s: %v", id, err)
		}
	}

	_, outs, err := mgr.PreCommand(json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected preCommand hook error to propagate")
	}
	if len(outs) != 0 {
		t.Fatalf("expected no outputs once the error aborted fan-out, got %+v", outs)
	}
}

func TestFanOut_OnNoticeErrorFailsOpen(t *testing.T) {
	mgr, reg, dir := newManager(t)
	installPlugin(t, reg, dir, "alpha", `
		return ({ default: { onNotice: function(ctx) { throw new Error("boom"); } } }).default;
	`)
	installPlugin(t, reg, dir, "zeta", `
		return ({ default: { onNotice: function(ctx) { host.sendReply("", "", "zeta-ran"); return true; } } }).default;
	`)
	for _, id := range []string{"alpha", "zeta"} {
		if err := mgr.Load(id); err != nil {
			t.Fatalf("Load %s: %v", id, err)
		}
	}

	allow, outs, err := mgr.OnNotice(json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("expected onNotice hook error to be swallowed (fail-open), got %v", err)
	}
	if !allow {
		t.Fatal("expected fail-open fan-out to still report allow from the surviving plugin")
	}
	if len(outs) != 1 || outs[0].PluginID != "zeta" || outs[0].Output.Content != "zeta-ran" {
		t.Fatalf("expected only zeta's output (alpha's error was skipped), got %+v", outs)
	}
}

func TestStop_UnloadsRemainingPluginsLifo(t *testing.T) {
	mgr, reg, dir := newManager(t)
	installPlugin(t, reg, dir, "only", `
		return ({
			default: {
				onDisable: function() { host.storageSet("disabled", true); },
			}
		}).default;
	`)
	if err := mgr.Load("only"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	mgr.Stop()

	dataDir := filepath.Join(dir, "data", "plugins", "only", "storage")
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected onDisable to have persisted storage before shutdown completed")
	}
}
