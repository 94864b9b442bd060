// Package manager owns every loaded plugin runtime behind a single worker
// goroutine and a bounded request channel: the Go equivalent of the
// embedded engine's thread-affinity requirement (spec.md §4.6). Every
// public method sends a request and blocks on a per-call response channel,
// mirroring the teacher's mpsc/oneshot request-response shape.
package manager

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/bdobrica/nbotgw/internal/plugin/codec"
	"github.com/bdobrica/nbotgw/internal/plugin/registry"
	"github.com/bdobrica/nbotgw/internal/plugin/runtime"
)

// pluginPriority orders fan-out dispatch: lower runs earlier. Access-control
// plugins are kept first so they can deny before anything else runs
// (spec.md §4.6). No other id is special-cased.
var pluginPriority = map[string]int{
	"whitelist": -100,
}

func priorityOf(id string) int {
	return pluginPriority[id]
}

type requestKind int

const (
	reqLoad requestKind = iota
	reqUnload
	reqUpdateConfig
	reqPreCommand
	reqPreMessage
	reqOnCommand
	reqOnNotice
	reqOnMetaEvent
	reqOnLlmResponse
	reqOnGroupInfoResponse
	reqSnapshot
)

// loadMeta is everything needed to (re)construct a runtime for a plugin id,
// kept around so a LIFO unload-above-reload dance can restore siblings.
type loadMeta struct {
	rootPath string
	entry    string
	codeType codec.CodeType
	config   json.RawMessage
}

type response struct {
	err     error
	allow   bool
	outputs []runtime.WithSource
	ids     []string
}

type request struct {
	kind     requestKind
	pluginID string
	ctx      json.RawMessage
	config   json.RawMessage
	meta     loadMeta

	requestID string
	infoType  string
	success   bool
	content   string
	data      string

	respond chan response
}

// Manager is the single owner of every loaded plugin runtime. Construct
// with New and call Stop to drain and unload everything LIFO.
type Manager struct {
	reg      *registry.Registry
	dataDir  string
	reqs     chan request
	stopped  chan struct{}
	stopOnce sync.Once

	// Renderer and OnConfigPersist are propagated to every runtime this
	// manager constructs.
	Renderer        runtime.Renderer
	OnConfigPersist func(pluginID string, value json.RawMessage) error
}

// New starts the worker goroutine and returns a Manager bound to reg for
// resolving plugin ids to manifests and root paths.
func New(reg *registry.Registry, dataDir string) *Manager {
	m := &Manager{
		reg:     reg,
		dataDir: dataDir,
		reqs:    make(chan request, 100),
		stopped: make(chan struct{}),
	}
	go m.run()
	return m
}

// Stop closes the request channel and waits for the worker to unload every
// remaining plugin LIFO before returning. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.reqs)
	})
	<-m.stopped
}

func (m *Manager) call(req request) response {
	req.respond = make(chan response, 1)
	m.reqs <- req
	return <-req.respond
}

// Load resolves id through the registry and loads it, satisfying
// market.Lifecycle.
func (m *Manager) Load(id string) error {
	entry, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	resp := m.call(request{
		kind:     reqLoad,
		pluginID: id,
		meta: loadMeta{
			rootPath: entry.RootPath,
			entry:    entry.Manifest.Entry,
			codeType: entry.Manifest.Type,
			config:   entry.Manifest.Config,
		},
	})
	return resp.err
}

// Unload unloads id, temporarily unloading and reloading any plugins above
// it on the load stack, satisfying market.Lifecycle.
func (m *Manager) Unload(id string) error {
	resp := m.call(request{kind: reqUnload, pluginID: id})
	return resp.err
}

// UpdateConfig updates id's live config without reloading it.
func (m *Manager) UpdateConfig(id string, config json.RawMessage) error {
	resp := m.call(request{kind: reqUpdateConfig, pluginID: id, config: config})
	return resp.err
}

// IDs returns every currently loaded plugin id, in priority-then-lexical
// fan-out order (spec.md §4.6). The answer is computed by the worker
// goroutine itself, so it is safe to call concurrently with other methods.
func (m *Manager) IDs() []string {
	resp := m.call(request{kind: reqSnapshot})
	return resp.ids
}

// orderedIDs sorts loaded plugin ids by (priority, id) for fan-out dispatch
// (spec.md §4.6).
func (m *Manager) orderedIDs(loaded map[string]struct{}) []string {
	ids := make([]string, 0, len(loaded))
	for id := range loaded {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := priorityOf(ids[i]), priorityOf(ids[j])
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// fanOut drives kind against every loaded plugin in priority order,
// accumulating outputs and short-circuiting on the first allow == false
// (spec.md §4.6 "Fan-out with priority"). A hook dispatch error is
// fail-closed (stop, deny) when failOpenOnError is false — preCommand and
// preMessage — and fail-open (log, skip the plugin, keep going) when it is
// true — onNotice and onMetaEvent — so a single buggy plugin cannot block
// the rest of the pipeline for hooks with no gating purpose (spec.md §4.10
// "Hook exceptions").
func (m *Manager) fanOut(kind requestKind, ctx json.RawMessage, failOpenOnError bool) (bool, []runtime.WithSource, error) {
	var outputs []runtime.WithSource
	for _, id := range m.IDs() {
		resp := m.call(request{kind: kind, pluginID: id, ctx: ctx})
		if resp.err != nil {
			slog.Error("manager: hook dispatch failed", "plugin", id, "error", resp.err)
			if failOpenOnError {
				continue
			}
			return false, outputs, resp.err
		}
		outputs = append(outputs, resp.outputs...)
		if !resp.allow {
			return false, outputs, nil
		}
	}
	return true, outputs, nil
}

// PreCommand fans preCommand out across every loaded plugin, in priority
// order, short-circuiting on the first deny. Fail-closed on hook error.
func (m *Manager) PreCommand(ctx json.RawMessage) (bool, []runtime.WithSource, error) {
	return m.fanOut(reqPreCommand, ctx, false)
}

// PreMessage fans preMessage out across every loaded plugin. Fail-closed on
// hook error.
func (m *Manager) PreMessage(ctx json.RawMessage) (bool, []runtime.WithSource, error) {
	return m.fanOut(reqPreMessage, ctx, false)
}

// OnNotice fans onNotice out across every loaded plugin. Fail-open on hook
// error: a broken plugin just gets skipped.
func (m *Manager) OnNotice(ctx json.RawMessage) (bool, []runtime.WithSource, error) {
	return m.fanOut(reqOnNotice, ctx, true)
}

// OnMetaEvent fans onMetaEvent out across every loaded plugin. Fail-open on
// hook error: a broken plugin just gets skipped.
func (m *Manager) OnMetaEvent(ctx json.RawMessage) (bool, []runtime.WithSource, error) {
	return m.fanOut(reqOnMetaEvent, ctx, true)
}

// OnCommand dispatches onCommand to a single plugin by id.
func (m *Manager) OnCommand(id string, ctx json.RawMessage) ([]runtime.WithSource, error) {
	resp := m.call(request{kind: reqOnCommand, pluginID: id, ctx: ctx})
	return resp.outputs, resp.err
}

// OnLlmResponse dispatches onLlmResponse to a single plugin by id.
func (m *Manager) OnLlmResponse(id, requestID string, success bool, content string) ([]runtime.WithSource, error) {
	resp := m.call(request{kind: reqOnLlmResponse, pluginID: id, requestID: requestID, success: success, content: content})
	return resp.outputs, resp.err
}

// OnGroupInfoResponse dispatches onGroupInfoResponse to a single plugin by id.
func (m *Manager) OnGroupInfoResponse(id, requestID, infoType string, success bool, data string) ([]runtime.WithSource, error) {
	resp := m.call(request{kind: reqOnGroupInfoResponse, pluginID: id, requestID: requestID, infoType: infoType, success: success, data: data})
	return resp.outputs, resp.err
}
