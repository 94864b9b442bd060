package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Renderer renders a plugin's markdown/HTML content to a base64-encoded PNG.
// It is an external collaborator: the actual rendering pipeline (headless
// browser or equivalent) lives outside this module's scope.
type Renderer interface {
	RenderMarkdownImage(title, meta, markdown string, width int) (base64PNG string, err error)
	RenderHTMLImage(html string, width, quality int) (base64PNG string, err error)
}

const httpFetchTimeout = 20 * time.Second

// installHostOps binds the fixed host-operation vocabulary (spec.md §4.5)
// onto vm's global "host" object.
func (rt *Runtime) installHostOps() error {
	host := rt.vm.NewObject()

	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		if err := host.Set(name, fn); err != nil {
			panic(err) // host object is fresh; Set on it cannot fail
		}
	}

	set("log", rt.opLog)
	set("now", rt.opNow)
	set("getPluginId", rt.opGetPluginID)
	set("getConfig", rt.opGetConfig)
	set("setConfig", rt.opSetConfig)

	set("storageGet", rt.opStorageGet)
	set("storageSet", rt.opStorageSet)
	set("storageDelete", rt.opStorageDelete)

	set("sendReply", rt.opSendReply)
	set("sendMessage", rt.opSendMessage)
	set("callApi", rt.opCallAPI)
	set("sendForwardMessage", rt.opSendForwardMessage)

	set("callLlmChat", rt.opCallLlmChat)
	set("callLlmChatWithSearch", rt.opCallLlmChatWithSearch)
	set("callLlmForward", rt.opCallLlmForward)
	set("callLlmForwardFromUrl", rt.opCallLlmForwardFromURL)
	set("callLlmForwardImageFromUrl", rt.opCallLlmForwardImage)
	set("callLlmForwardVideoFromUrl", rt.opCallLlmForwardVideo)
	set("callLlmForwardAudioFromUrl", rt.opCallLlmForwardAudio)
	set("callLlmForwardMediaBundle", rt.opCallLlmForwardMediaBundle)

	set("fetchGroupNotice", rt.opFetchGroupNotice)
	set("fetchGroupMsgHistory", rt.opFetchGroupMsgHistory)
	set("fetchGroupFiles", rt.opFetchGroupFiles)
	set("fetchGroupFileUrl", rt.opFetchGroupFileURL)
	set("fetchFriendList", rt.opFetchFriendList)
	set("fetchGroupList", rt.opFetchGroupList)
	set("fetchGroupMemberList", rt.opFetchGroupMemberList)
	set("downloadFile", rt.opDownloadFile)

	set("httpFetch", rt.opHTTPFetch)
	set("renderMarkdownImage", rt.opRenderMarkdownImage)
	set("renderHtmlImage", rt.opRenderHTMLImage)

	return rt.vm.Set("host", host)
}

func argString(call goja.FunctionCall, i int) string {
	if i >= len(call.Arguments) {
		return ""
	}
	return call.Arguments[i].String()
}

func argInt(call goja.FunctionCall, i int) int64 {
	if i >= len(call.Arguments) {
		return 0
	}
	return call.Arguments[i].ToInteger()
}

func argRaw(vm *goja.Runtime, call goja.FunctionCall, i int) json.RawMessage {
	if i >= len(call.Arguments) || goja.IsUndefined(call.Arguments[i]) {
		return nil
	}
	data, err := json.Marshal(call.Arguments[i].Export())
	if err != nil {
		return nil
	}
	return data
}

func (rt *Runtime) opLog(call goja.FunctionCall) goja.Value {
	level := argString(call, 0)
	message := argString(call, 1)
	switch level {
	case "error":
		slog.Error(message, "plugin", rt.state.pluginID)
	case "warn":
		slog.Warn(message, "plugin", rt.state.pluginID)
	case "debug":
		slog.Debug(message, "plugin", rt.state.pluginID)
	default:
		slog.Info(message, "plugin", rt.state.pluginID)
	}
	return goja.Undefined()
}

func (rt *Runtime) opNow(call goja.FunctionCall) goja.Value {
	return rt.vm.ToValue(time.Now().UnixMilli())
}

func (rt *Runtime) opGetPluginID(call goja.FunctionCall) goja.Value {
	return rt.vm.ToValue(rt.state.pluginID)
}

func (rt *Runtime) opGetConfig(call goja.FunctionCall) goja.Value {
	var v any
	if len(rt.state.config) > 0 {
		if err := json.Unmarshal(rt.state.config, &v); err != nil {
			return goja.Null()
		}
	}
	return rt.vm.ToValue(v)
}

func (rt *Runtime) opSetConfig(call goja.FunctionCall) goja.Value {
	raw := argRaw(rt.vm, call, 0)
	rt.state.config = raw
	if rt.OnConfigPersist != nil {
		if err := rt.OnConfigPersist(raw); err != nil {
			slog.Warn("runtime: setConfig persist failed", "plugin", rt.state.pluginID, "error", err)
		}
	}
	return goja.Undefined()
}

func (rt *Runtime) opStorageGet(call goja.FunctionCall) goja.Value {
	key := argString(call, 0)
	value, ok, err := rt.storage.get(key)
	if err != nil {
		slog.Warn("runtime: storageGet failed", "plugin", rt.state.pluginID, "key", key, "error", err)
		return goja.Null()
	}
	if !ok {
		return goja.Null()
	}
	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return goja.Null()
	}
	return rt.vm.ToValue(decoded)
}

func (rt *Runtime) opStorageSet(call goja.FunctionCall) goja.Value {
	key := argString(call, 0)
	raw := argRaw(rt.vm, call, 1)
	if err := rt.storage.set(key, raw); err != nil {
		slog.Warn("runtime: storageSet failed", "plugin", rt.state.pluginID, "key", key, "error", err)
	}
	return goja.Undefined()
}

func (rt *Runtime) opStorageDelete(call goja.FunctionCall) goja.Value {
	key := argString(call, 0)
	if err := rt.storage.delete(key); err != nil {
		slog.Warn("runtime: storageDelete failed", "plugin", rt.state.pluginID, "key", key, "error", err)
	}
	return goja.Undefined()
}

func (rt *Runtime) opSendReply(call goja.FunctionCall) goja.Value {
	rt.state.push(Output{
		Kind:    OutputSendReply,
		UserID:  argString(call, 0),
		GroupID: argString(call, 1),
		Content: argString(call, 2),
	})
	return goja.Undefined()
}

func (rt *Runtime) opSendMessage(call goja.FunctionCall) goja.Value {
	rt.state.push(Output{
		Kind:    OutputSendMessage,
		UserID:  argString(call, 0),
		GroupID: argString(call, 1),
		Content: argString(call, 2),
	})
	return goja.Undefined()
}

func (rt *Runtime) opCallAPI(call goja.FunctionCall) goja.Value {
	rt.state.push(Output{
		Kind:   OutputCallAPI,
		Action: argString(call, 0),
		Params: argRaw(rt.vm, call, 1),
	})
	return goja.Undefined()
}

func (rt *Runtime) opSendForwardMessage(call goja.FunctionCall) goja.Value {
	var nodes []ForwardNode
	if len(call.Arguments) > 2 {
		if data, err := json.Marshal(call.Arguments[2].Export()); err == nil {
			_ = json.Unmarshal(data, &nodes)
		}
	}
	rt.state.push(Output{
		Kind:    OutputSendForwardMessage,
		UserID:  argString(call, 0),
		GroupID: argString(call, 1),
		Nodes:   nodes,
	})
	return goja.Undefined()
}

// llmChatArgs extracts the common {requestId, modelName?, messages, maxTokens?, enableSearch?}
// shape shared by every callLlmChat* / callLlmForward* op.
func (rt *Runtime) llmChatArgs(call goja.FunctionCall) Output {
	obj := objArg(call, 0)
	out := Output{
		RequestID: stringField(obj, "requestId"),
		ModelName: stringField(obj, "modelName"),
		MaxTokens: int(intField(obj, "maxTokens")),
	}
	if messages, ok := obj["messages"]; ok {
		if data, err := json.Marshal(messages); err == nil {
			out.Messages = data
		}
	}
	if v, ok := obj["enableSearch"]; ok {
		if b, ok := v.(bool); ok {
			out.EnableSearch = &b
		}
	}
	return out
}

func (rt *Runtime) opCallLlmChat(call goja.FunctionCall) goja.Value {
	out := rt.llmChatArgs(call)
	out.Kind = OutputCallLlmChat
	rt.state.push(out)
	return goja.Undefined()
}

func (rt *Runtime) opCallLlmChatWithSearch(call goja.FunctionCall) goja.Value {
	out := rt.llmChatArgs(call)
	out.Kind = OutputCallLlmChatWithSearch
	rt.state.push(out)
	return goja.Undefined()
}

func (rt *Runtime) opCallLlmForward(call goja.FunctionCall) goja.Value {
	obj := objArg(call, 0)
	rt.state.push(Output{
		Kind:      OutputCallLlmAndForward,
		RequestID: stringField(obj, "requestId"),
		UserID:    stringField(obj, "userId"),
		GroupID:   stringField(obj, "groupId"),
		Prompt:    stringField(obj, "prompt"),
	})
	return goja.Undefined()
}

func (rt *Runtime) opCallLlmForwardFromURL(call goja.FunctionCall) goja.Value {
	obj := objArg(call, 0)
	rt.state.push(Output{
		Kind:      OutputCallLlmAndForwardFromURL,
		RequestID: stringField(obj, "requestId"),
		UserID:    stringField(obj, "userId"),
		GroupID:   stringField(obj, "groupId"),
		SourceURL: stringField(obj, "url"),
		Prompt:    stringField(obj, "prompt"),
	})
	return goja.Undefined()
}

func (rt *Runtime) opCallLlmForwardImage(call goja.FunctionCall) goja.Value {
	obj := objArg(call, 0)
	rt.state.push(Output{
		Kind:      OutputCallLlmForwardImage,
		RequestID: stringField(obj, "requestId"),
		UserID:    stringField(obj, "userId"),
		GroupID:   stringField(obj, "groupId"),
		SourceURL: stringField(obj, "url"),
		Prompt:    stringField(obj, "prompt"),
	})
	return goja.Undefined()
}

func (rt *Runtime) opCallLlmForwardVideo(call goja.FunctionCall) goja.Value {
	obj := objArg(call, 0)
	rt.state.push(Output{
		Kind:      OutputCallLlmForwardVideo,
		RequestID: stringField(obj, "requestId"),
		UserID:    stringField(obj, "userId"),
		GroupID:   stringField(obj, "groupId"),
		SourceURL: stringField(obj, "url"),
		Prompt:    stringField(obj, "prompt"),
	})
	return goja.Undefined()
}

func (rt *Runtime) opCallLlmForwardAudio(call goja.FunctionCall) goja.Value {
	obj := objArg(call, 0)
	rt.state.push(Output{
		Kind:      OutputCallLlmForwardAudio,
		RequestID: stringField(obj, "requestId"),
		UserID:    stringField(obj, "userId"),
		GroupID:   stringField(obj, "groupId"),
		SourceURL: stringField(obj, "url"),
		Prompt:    stringField(obj, "prompt"),
	})
	return goja.Undefined()
}

func (rt *Runtime) opCallLlmForwardMediaBundle(call goja.FunctionCall) goja.Value {
	obj := objArg(call, 0)
	var items []MediaBundleItem
	if raw, ok := obj["items"]; ok {
		if data, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(data, &items)
		}
	}
	rt.state.push(Output{
		Kind:       OutputCallLlmForwardMediaBndl,
		RequestID:  stringField(obj, "requestId"),
		UserID:     stringField(obj, "userId"),
		GroupID:    stringField(obj, "groupId"),
		Prompt:     stringField(obj, "prompt"),
		MediaItems: items,
	})
	return goja.Undefined()
}

func (rt *Runtime) opFetchGroupNotice(call goja.FunctionCall) goja.Value {
	rt.state.push(Output{Kind: OutputFetchGroupNotice, RequestID: argString(call, 0), GroupID: argString(call, 1)})
	return goja.Undefined()
}

func (rt *Runtime) opFetchGroupMsgHistory(call goja.FunctionCall) goja.Value {
	rt.state.push(Output{
		Kind:       OutputFetchGroupMsgHistory,
		RequestID:  argString(call, 0),
		GroupID:    argString(call, 1),
		MsgCount:   int(argInt(call, 2)),
		MessageSeq: argInt(call, 3),
	})
	return goja.Undefined()
}

func (rt *Runtime) opFetchGroupFiles(call goja.FunctionCall) goja.Value {
	rt.state.push(Output{
		Kind:      OutputFetchGroupFiles,
		RequestID: argString(call, 0),
		GroupID:   argString(call, 1),
		FolderID:  argString(call, 2),
	})
	return goja.Undefined()
}

func (rt *Runtime) opFetchGroupFileURL(call goja.FunctionCall) goja.Value {
	rt.state.push(Output{
		Kind:      OutputFetchGroupFileURL,
		RequestID: argString(call, 0),
		GroupID:   argString(call, 1),
		FileID:    argString(call, 2),
		BusID:     argInt(call, 3),
	})
	return goja.Undefined()
}

func (rt *Runtime) opFetchFriendList(call goja.FunctionCall) goja.Value {
	rt.state.push(Output{Kind: OutputFetchFriendList, RequestID: argString(call, 0)})
	return goja.Undefined()
}

func (rt *Runtime) opFetchGroupList(call goja.FunctionCall) goja.Value {
	rt.state.push(Output{Kind: OutputFetchGroupList, RequestID: argString(call, 0)})
	return goja.Undefined()
}

func (rt *Runtime) opFetchGroupMemberList(call goja.FunctionCall) goja.Value {
	rt.state.push(Output{Kind: OutputFetchGroupMemberList, RequestID: argString(call, 0), GroupID: argString(call, 1)})
	return goja.Undefined()
}

func (rt *Runtime) opDownloadFile(call goja.FunctionCall) goja.Value {
	obj := objArg(call, 0)
	headers := map[string]string{}
	if raw, ok := obj["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	rt.state.push(Output{
		Kind:        OutputDownloadFile,
		RequestID:   stringField(obj, "requestId"),
		SourceURL:   stringField(obj, "url"),
		ThreadCount: int(intField(obj, "threadCount")),
		Headers:     headers,
	})
	return goja.Undefined()
}

// opHTTPFetch is the only host op that does real, blocking I/O directly:
// spec.md §4.5 describes it as "synchronous-looking", returning
// {status, headers, bodyBase64}.
func (rt *Runtime) opHTTPFetch(call goja.FunctionCall) goja.Value {
	url := argString(call, 0)
	init := objArg(call, 1)
	method := stringField(init, "method")
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if body := stringField(init, "body"); body != "" {
		bodyReader = strings.NewReader(body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return rt.vm.ToValue(map[string]any{"status": 0, "error": err.Error()})
	}
	if headers, ok := init["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := rt.httpClient.Do(req)
	if err != nil {
		return rt.vm.ToValue(map[string]any{"status": 0, "error": err.Error()})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return rt.vm.ToValue(map[string]any{"status": resp.StatusCode, "error": err.Error()})
	}

	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return rt.vm.ToValue(map[string]any{
		"status":     resp.StatusCode,
		"headers":    headers,
		"bodyBase64": base64.StdEncoding.EncodeToString(data),
	})
}

func (rt *Runtime) opRenderMarkdownImage(call goja.FunctionCall) goja.Value {
	if rt.Renderer == nil {
		return rt.vm.ToValue(map[string]any{"error": "rendering is not configured"})
	}
	width := clampInt(argInt(call, 3), 320, 1200)
	png, err := rt.Renderer.RenderMarkdownImage(argString(call, 0), argString(call, 1), argString(call, 2), width)
	if err != nil {
		return rt.vm.ToValue(map[string]any{"error": err.Error()})
	}
	return rt.vm.ToValue(png)
}

func (rt *Runtime) opRenderHTMLImage(call goja.FunctionCall) goja.Value {
	if rt.Renderer == nil {
		return rt.vm.ToValue(map[string]any{"error": "rendering is not configured"})
	}
	width := clampInt(argInt(call, 1), 320, 2000)
	quality := clampInt(argInt(call, 2), 10, 100)
	png, err := rt.Renderer.RenderHTMLImage(argString(call, 0), width, quality)
	if err != nil {
		return rt.vm.ToValue(map[string]any{"error": err.Error()})
	}
	return rt.vm.ToValue(png)
}

func clampInt(v int64, lo, hi int) int {
	i := int(v)
	if i < lo {
		return lo
	}
	if i > hi {
		return hi
	}
	return i
}

func objArg(call goja.FunctionCall, i int) map[string]any {
	if i >= len(call.Arguments) {
		return map[string]any{}
	}
	exported := call.Arguments[i].Export()
	obj, ok := exported.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return obj
}

func stringField(obj map[string]any, key string) string {
	if v, ok := obj[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intField(obj map[string]any, key string) int64 {
	if v, ok := obj[key]; ok {
		switch n := v.(type) {
		case int64:
			return n
		case float64:
			return int64(n)
		}
	}
	return 0
}
