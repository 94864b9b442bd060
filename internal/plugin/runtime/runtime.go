// Package runtime wraps a single embedded JavaScript isolate (goja) per
// plugin: it loads the plugin's entry source, installs the host-op
// vocabulary (spec.md §4.5), and drives hook invocations (spec.md §4.4).
package runtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/bdobrica/nbotgw/internal/plugin/codec"
)

// Runtime is one plugin's isolate: a single-threaded goja VM plus the
// per-plugin op state it was seeded with.
type Runtime struct {
	vm    *goja.Runtime
	state *opState

	storage    *storage
	httpClient *http.Client

	// Renderer, when set, backs renderMarkdownImage/renderHtmlImage.
	Renderer Renderer

	// OnConfigPersist, when set, is invoked by host.setConfig to persist the
	// new config through the registry.
	OnConfigPersist func(value json.RawMessage) error
}

// New constructs a runtime for id, seeding its op state with config, the
// process data directory, and the plugin's root path (spec.md §4.4).
func New(id string, config json.RawMessage, dataDir, pluginRoot string) (*Runtime, error) {
	rt := &Runtime{
		vm: goja.New(),
		state: &opState{
			pluginID: id,
			config:   config,
			dataDir:  dataDir,
			root:     pluginRoot,
		},
		storage:    newStorage(dataDir, id),
		httpClient: &http.Client{Timeout: httpFetchTimeout},
	}
	if err := rt.installHostOps(); err != nil {
		return nil, fmt.Errorf("runtime: install host ops for %s: %w", id, err)
	}
	return rt, nil
}

func (rt *Runtime) resolveEntry(entry string) (string, error) {
	raw := strings.TrimSpace(entry)
	if raw == "" {
		return "", fmt.Errorf("runtime: plugin entry is empty")
	}
	path := filepath.Join(rt.state.root, filepath.Clean(raw))
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "index.js")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("runtime: entry not found: %s (root: %s)", path, rt.state.root)
	}
	return path, nil
}

// Load reads the plugin entry according to codeType and binds its default
// export to the well-known global __plugin, then runs onEnable if present
// (spec.md §4.4).
func (rt *Runtime) Load(entry string, codeType codec.CodeType) error {
	path, err := rt.resolveEntry(entry)
	if err != nil {
		return err
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("runtime: read entry %s: %w", path, err)
	}

	switch codeType {
	case codec.CodeTypeModule:
		if err := rt.loadModule(path, string(source)); err != nil {
			return err
		}
	default:
		if err := rt.loadScript(string(source)); err != nil {
			return err
		}
	}

	return rt.callLifecycle("onEnable")
}

// loadScript wraps the entry in an IIFE assigning its default export to
// __plugin, exactly as the original embedded-isolate host does.
func (rt *Runtime) loadScript(source string) error {
	wrapped := "const plugin = (function() {\n" + source + "\n})();\nglobalThis.__plugin = plugin.default || plugin;"
	if _, err := rt.vm.RunString(wrapped); err != nil {
		return fmt.Errorf("runtime: load plugin script: %w", err)
	}
	return nil
}

// loadModule binds a CommonJS-style module's default export (module.exports
// or exports.default) to __plugin. goja has no native ESM loader, so module
// plugins are authored as CommonJS: the source is wrapped in a function that
// provides module and exports bindings. No require function is provided.
func (rt *Runtime) loadModule(path, source string) error {
	wrapped := "globalThis.__plugin = (function() {\n" +
		"const module = { exports: {} };\nconst exports = module.exports;\n" +
		source + "\nreturn module.exports.default || module.exports;\n})();"
	if _, err := rt.vm.RunString(wrapped); err != nil {
		return fmt.Errorf("runtime: load plugin module %s: %w", path, err)
	}
	return nil
}

func (rt *Runtime) plugin() (*goja.Object, bool) {
	v := rt.vm.Get("__plugin")
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	return obj, ok
}

// callLifecycle invokes a no-argument, ignored-result hook (onEnable,
// onDisable) if the plugin defines it, resolving an async result if one is
// returned.
func (rt *Runtime) callLifecycle(name string) error {
	obj, ok := rt.plugin()
	if !ok {
		return nil
	}
	fnVal := obj.Get(name)
	if fnVal == nil || goja.IsUndefined(fnVal) {
		return nil
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil
	}
	result, err := fn(obj)
	if err != nil {
		return fmt.Errorf("runtime: %s failed: %w", name, err)
	}
	_, err = rt.resolve(result)
	return err
}

// Disable invokes onDisable, ignoring any result.
func (rt *Runtime) Disable() error { return rt.callLifecycle("onDisable") }

// UpdateConfig updates the op state's config and invokes onConfigUpdated,
// falling back to the deprecated updateConfig method name (spec.md §4.4).
func (rt *Runtime) UpdateConfig(config json.RawMessage) error {
	rt.state.config = config

	obj, ok := rt.plugin()
	if !ok {
		return nil
	}
	var decoded any
	if len(config) > 0 {
		if err := json.Unmarshal(config, &decoded); err != nil {
			return fmt.Errorf("runtime: decode config for onConfigUpdated: %w", err)
		}
	}

	for _, name := range []string{"onConfigUpdated", "updateConfig"} {
		fnVal := obj.Get(name)
		if fnVal == nil || goja.IsUndefined(fnVal) {
			continue
		}
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			continue
		}
		result, err := fn(obj, rt.vm.ToValue(decoded))
		if err != nil {
			return fmt.Errorf("runtime: %s failed: %w", name, err)
		}
		_, err = rt.resolve(result)
		return err
	}
	return nil
}

// allowHook invokes a hook whose return discipline is "explicit false means
// deny, anything else means allow" (preMessage, preCommand, onNotice,
// onMetaEvent). It resets the hook-result cell and output queue first and
// drains both after the call, per spec.md §4.4.
func (rt *Runtime) allowHook(name string, ctx json.RawMessage) (allow bool, outputs []Output, err error) {
	rt.state.reset()

	obj, ok := rt.plugin()
	if !ok {
		return true, nil, nil
	}
	fnVal := obj.Get(name)
	if fnVal == nil || goja.IsUndefined(fnVal) {
		return true, rt.state.takeOutputs(), nil
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return true, rt.state.takeOutputs(), nil
	}

	var ctxValue any
	if len(ctx) > 0 {
		if err := json.Unmarshal(ctx, &ctxValue); err != nil {
			return false, nil, fmt.Errorf("runtime: decode %s ctx: %w", name, err)
		}
	}

	result, callErr := fn(obj, rt.vm.ToValue(ctxValue))
	if callErr != nil {
		return false, rt.state.takeOutputs(), fmt.Errorf("runtime: %s failed: %w", name, callErr)
	}
	resolved, resolveErr := rt.resolve(result)
	if resolveErr != nil {
		return false, rt.state.takeOutputs(), fmt.Errorf("runtime: %s failed: %w", name, resolveErr)
	}

	// "explicit false means deny; any other value means allow" (spec.md §4.4).
	allow = true
	if b, ok := resolved.Export().(bool); ok && !b {
		allow = false
	}
	return allow, rt.state.takeOutputs(), nil
}

// PreMessage invokes preMessage(ctx).
func (rt *Runtime) PreMessage(ctx json.RawMessage) (bool, []Output, error) {
	return rt.allowHook("preMessage", ctx)
}

// PreCommand invokes preCommand(ctx).
func (rt *Runtime) PreCommand(ctx json.RawMessage) (bool, []Output, error) {
	return rt.allowHook("preCommand", ctx)
}

// OnNotice invokes onNotice(ctx).
func (rt *Runtime) OnNotice(ctx json.RawMessage) (bool, []Output, error) {
	return rt.allowHook("onNotice", ctx)
}

// OnMetaEvent invokes onMetaEvent(ctx).
func (rt *Runtime) OnMetaEvent(ctx json.RawMessage) (bool, []Output, error) {
	return rt.allowHook("onMetaEvent", ctx)
}

// OnCommand invokes onCommand(ctx); its return value is ignored, but queued
// outputs are collected.
func (rt *Runtime) OnCommand(ctx json.RawMessage) ([]Output, error) {
	rt.state.takeOutputs()

	obj, ok := rt.plugin()
	if !ok {
		return nil, nil
	}
	fnVal := obj.Get("onCommand")
	if fnVal == nil || goja.IsUndefined(fnVal) {
		return nil, nil
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, nil
	}

	var ctxValue any
	if len(ctx) > 0 {
		if err := json.Unmarshal(ctx, &ctxValue); err != nil {
			return nil, fmt.Errorf("runtime: decode onCommand ctx: %w", err)
		}
	}
	result, err := fn(obj, rt.vm.ToValue(ctxValue))
	if err != nil {
		return rt.state.takeOutputs(), fmt.Errorf("runtime: onCommand failed: %w", err)
	}
	if _, err := rt.resolve(result); err != nil {
		return rt.state.takeOutputs(), fmt.Errorf("runtime: onCommand failed: %w", err)
	}
	return rt.state.takeOutputs(), nil
}

// OnLlmResponse invokes onLlmResponse({requestId, success, content}).
func (rt *Runtime) OnLlmResponse(requestID string, success bool, content string) ([]Output, error) {
	rt.state.takeOutputs()

	obj, ok := rt.plugin()
	if !ok {
		return nil, nil
	}
	fnVal := obj.Get("onLlmResponse")
	if fnVal == nil || goja.IsUndefined(fnVal) {
		return nil, nil
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, nil
	}

	arg := map[string]any{"requestId": requestID, "success": success, "content": content}
	result, err := fn(obj, rt.vm.ToValue(arg))
	if err != nil {
		return rt.state.takeOutputs(), fmt.Errorf("runtime: onLlmResponse failed: %w", err)
	}
	if _, err := rt.resolve(result); err != nil {
		return rt.state.takeOutputs(), fmt.Errorf("runtime: onLlmResponse failed: %w", err)
	}
	return rt.state.takeOutputs(), nil
}

// OnGroupInfoResponse invokes onGroupInfoResponse({requestId, infoType,
// success, data}), parsing data as JSON when possible (spec.md §4.4).
func (rt *Runtime) OnGroupInfoResponse(requestID, infoType string, success bool, data string) ([]Output, error) {
	rt.state.takeOutputs()

	obj, ok := rt.plugin()
	if !ok {
		return nil, nil
	}
	fnVal := obj.Get("onGroupInfoResponse")
	if fnVal == nil || goja.IsUndefined(fnVal) {
		return nil, nil
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, nil
	}

	var parsed any = data
	var decoded any
	if json.Unmarshal([]byte(data), &decoded) == nil {
		parsed = decoded
	}

	arg := map[string]any{"requestId": requestID, "infoType": infoType, "success": success, "data": parsed}
	result, err := fn(obj, rt.vm.ToValue(arg))
	if err != nil {
		return rt.state.takeOutputs(), fmt.Errorf("runtime: onGroupInfoResponse failed: %w", err)
	}
	if _, err := rt.resolve(result); err != nil {
		return rt.state.takeOutputs(), fmt.Errorf("runtime: onGroupInfoResponse failed: %w", err)
	}
	return rt.state.takeOutputs(), nil
}

// resolve drains goja's job queue until a returned value settles, handling
// plugins whose hooks are declared async (spec.md §4.4, "drives the
// engine's event loop until quiescent"). Non-promise values are returned
// unchanged.
func (rt *Runtime) resolve(v goja.Value) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}

	deadline := time.Now().Add(10 * time.Second)
	for promise.State() == goja.PromiseStatePending {
		if time.Now().After(deadline) {
			return goja.Undefined(), fmt.Errorf("runtime: plugin promise did not settle")
		}
		if _, err := rt.vm.RunString("void 0"); err != nil {
			return goja.Undefined(), err
		}
	}
	if promise.State() == goja.PromiseStateRejected {
		return goja.Undefined(), fmt.Errorf("runtime: plugin promise rejected: %v", promise.Result())
	}
	return promise.Result(), nil
}
