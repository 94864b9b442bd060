package manager

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bdobrica/nbotgw/internal/plugin/runtime"
)

// run is the single goroutine that owns every live runtime. It processes
// one request to completion before reading the next: this serialization IS
// the thread-affinity guarantee the embedded engine needs, translating the
// teacher's dedicated-OS-thread-plus-single-threaded-executor into Go's
// idiomatic single-goroutine-owns-mutable-state pattern.
func (m *Manager) run() {
	runtimes := map[string]*runtime.Runtime{}
	metas := map[string]loadMeta{}
	var stack []string // LoadStack, creation order

	for req := range m.reqs {
		switch req.kind {
		case reqLoad:
			err := m.loadOne(runtimes, metas, &stack, req.pluginID, req.meta)
			req.respond <- response{err: err}

		case reqUnload:
			err := m.unloadWithReload(runtimes, metas, &stack, req.pluginID)
			req.respond <- response{err: err}

		case reqUpdateConfig:
			rt, ok := runtimes[req.pluginID]
			if !ok {
				req.respond <- response{err: fmt.Errorf("manager: plugin %s is not loaded", req.pluginID)}
				continue
			}
			err := rt.UpdateConfig(req.config)
			if err == nil {
				meta := metas[req.pluginID]
				meta.config = req.config
				metas[req.pluginID] = meta
			}
			req.respond <- response{err: err}

		case reqPreCommand, reqPreMessage, reqOnNotice, reqOnMetaEvent:
			req.respond <- m.dispatchAllowHook(runtimes, req)

		case reqOnCommand:
			rt, ok := runtimes[req.pluginID]
			if !ok {
				req.respond <- response{err: fmt.Errorf("manager: plugin %s is not loaded", req.pluginID)}
				continue
			}
			outs, err := rt.OnCommand(req.ctx)
			req.respond <- response{err: err, outputs: tagOutputs(req.pluginID, outs)}

		case reqOnLlmResponse:
			rt, ok := runtimes[req.pluginID]
			if !ok {
				req.respond <- response{err: fmt.Errorf("manager: plugin %s is not loaded", req.pluginID)}
				continue
			}
			outs, err := rt.OnLlmResponse(req.requestID, req.success, req.content)
			req.respond <- response{err: err, outputs: tagOutputs(req.pluginID, outs)}

		case reqOnGroupInfoResponse:
			rt, ok := runtimes[req.pluginID]
			if !ok {
				req.respond <- response{err: fmt.Errorf("manager: plugin %s is not loaded", req.pluginID)}
				continue
			}
			outs, err := rt.OnGroupInfoResponse(req.requestID, req.infoType, req.success, req.data)
			req.respond <- response{err: err, outputs: tagOutputs(req.pluginID, outs)}

		case reqSnapshot:
			loaded := make(map[string]struct{}, len(runtimes))
			for id := range runtimes {
				loaded[id] = struct{}{}
			}
			req.respond <- response{ids: m.orderedIDs(loaded)}
		}
	}

	// Channel closed: drop every remaining runtime LIFO, mirroring the
	// teacher's shutdown loop.
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		if err := unloadTop(runtimes, &stack, id); err != nil {
			slog.Warn("manager: shutdown unload failed", "plugin", id, "error", err)
			stack = stack[:len(stack)-1]
		}
		delete(metas, id)
	}
	close(m.stopped)
}

func (m *Manager) dispatchAllowHook(runtimes map[string]*runtime.Runtime, req request) response {
	rt, ok := runtimes[req.pluginID]
	if !ok {
		return response{err: fmt.Errorf("manager: plugin %s is not loaded", req.pluginID)}
	}

	var (
		allow bool
		outs  []runtime.Output
		err   error
	)
	switch req.kind {
	case reqPreCommand:
		allow, outs, err = rt.PreCommand(req.ctx)
	case reqPreMessage:
		allow, outs, err = rt.PreMessage(req.ctx)
	case reqOnNotice:
		allow, outs, err = rt.OnNotice(req.ctx)
	case reqOnMetaEvent:
		allow, outs, err = rt.OnMetaEvent(req.ctx)
	}
	if err != nil {
		return response{err: err}
	}
	return response{allow: allow, outputs: tagOutputs(req.pluginID, outs)}
}

func tagOutputs(pluginID string, outs []runtime.Output) []runtime.WithSource {
	if len(outs) == 0 {
		return nil
	}
	tagged := make([]runtime.WithSource, len(outs))
	for i, o := range outs {
		tagged[i] = runtime.WithSource{PluginID: pluginID, Output: o}
	}
	return tagged
}

// loadOne constructs and loads a runtime for id if it is not already
// loaded, pushing it onto the load stack (spec.md §4.6).
func (m *Manager) loadOne(runtimes map[string]*runtime.Runtime, metas map[string]loadMeta, stack *[]string, id string, meta loadMeta) error {
	if _, ok := runtimes[id]; ok {
		return nil
	}

	rt, err := runtime.New(id, meta.config, m.dataDir, meta.rootPath)
	if err != nil {
		return err
	}
	rt.Renderer = m.Renderer
	if m.OnConfigPersist != nil {
		rt.OnConfigPersist = func(value json.RawMessage) error { return m.OnConfigPersist(id, value) }
	}
	if err := rt.Load(meta.entry, meta.codeType); err != nil {
		return err
	}

	runtimes[id] = rt
	metas[id] = meta
	*stack = append(*stack, id)
	slog.Info("manager: plugin loaded", "plugin", id)
	return nil
}

// unloadTop pops id off the top of the load stack and disables its
// runtime. It fails if id is not currently the top entry.
func unloadTop(runtimes map[string]*runtime.Runtime, stack *[]string, id string) error {
	s := *stack
	if len(s) == 0 {
		return fmt.Errorf("manager: load stack is empty")
	}
	top := s[len(s)-1]
	if top != id {
		return fmt.Errorf("manager: %s is not the top of the load stack (top=%s)", id, top)
	}
	*stack = s[:len(s)-1]

	rt, ok := runtimes[id]
	if !ok {
		return fmt.Errorf("manager: plugin %s is not loaded", id)
	}
	if err := rt.Disable(); err != nil {
		slog.Warn("manager: onDisable failed", "plugin", id, "error", err)
	}
	delete(runtimes, id)
	slog.Info("manager: plugin unloaded", "plugin", id)
	return nil
}

// unloadWithReload implements the LIFO unload-above-reload dance
// (spec.md §4.6): unloading a plugin that is not the top of the load stack
// first unloads everything above it (top-down), unloads the target, then
// reloads the temporarily-unloaded plugins in their original creation
// order. A reload failure is logged and does not abort the remaining
// reloads, matching the teacher's "temporarily unloaded, needs manual
// restart to recover" handling.
func (m *Manager) unloadWithReload(runtimes map[string]*runtime.Runtime, metas map[string]loadMeta, stack *[]string, id string) error {
	if _, ok := runtimes[id]; !ok {
		return fmt.Errorf("manager: plugin %s is not loaded", id)
	}

	pos := indexOf(*stack, id)
	if pos < 0 {
		// Not tracked on the stack (should not normally happen); fall back
		// to a direct best-effort unload.
		rt := runtimes[id]
		if err := rt.Disable(); err != nil {
			slog.Warn("manager: onDisable failed", "plugin", id, "error", err)
		}
		delete(runtimes, id)
		delete(metas, id)
		return nil
	}

	above := append([]string(nil), (*stack)[pos+1:]...)
	aboveMetas := make([]loadMeta, len(above))
	for i, aid := range above {
		aboveMetas[i] = metas[aid]
	}

	for i := len(above) - 1; i >= 0; i-- {
		if err := unloadTop(runtimes, stack, above[i]); err != nil {
			slog.Warn("manager: failed to unload plugin above unload target", "plugin", above[i], "error", err)
		}
		delete(metas, above[i])
	}

	if err := unloadTop(runtimes, stack, id); err != nil {
		return err
	}
	delete(metas, id)

	for i, aid := range above {
		if err := m.loadOne(runtimes, metas, stack, aid, aboveMetas[i]); err != nil {
			slog.Error("manager: failed to reload plugin above unload target; manual restart required", "plugin", aid, "error", err)
		}
	}
	return nil
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
