package output_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bdobrica/nbotgw/internal/llm"
	"github.com/bdobrica/nbotgw/internal/platform"
	"github.com/bdobrica/nbotgw/internal/plugin/output"
	"github.com/bdobrica/nbotgw/internal/plugin/runtime"
	"github.com/bdobrica/nbotgw/internal/ratelimit"
)

type fakePlatform struct {
	calls      []string
	sendStatus platform.SendStatus
	apiData    json.RawMessage
}

func (f *fakePlatform) CallAPI(ctx context.Context, botID, action string, params any) (platform.APIResponse, error) {
	f.calls = append(f.calls, action)
	return platform.APIResponse{Status: "ok", Data: f.apiData}, nil
}

func (f *fakePlatform) GetSelfID(ctx context.Context, botID string) (string, error) {
	return "self", nil
}

func (f *fakePlatform) GetGroupSendStatus(ctx context.Context, botID, groupID string) (platform.SendStatus, error) {
	if f.sendStatus == "" {
		return platform.SendStatusNormal, nil
	}
	return f.sendStatus, nil
}

type fakeCallback struct {
	llmResponses  []string
	groupInfoCall string
	updatedConfig json.RawMessage
}

func (f *fakeCallback) OnLlmResponse(pluginID, requestID string, success bool, content string) ([]runtime.WithSource, error) {
	f.llmResponses = append(f.llmResponses, content)
	return nil, nil
}

func (f *fakeCallback) OnGroupInfoResponse(pluginID, requestID, infoType string, success bool, data string) ([]runtime.WithSource, error) {
	f.groupInfoCall = infoType
	return nil, nil
}

func (f *fakeCallback) UpdateConfig(id string, config json.RawMessage) error {
	f.updatedConfig = config
	return nil
}

func TestProcess_SendReplyCallsPlatform(t *testing.T) {
	plat := &fakePlatform{}
	cb := &fakeCallback{}
	p := &output.Processor{Platform: plat, Callback: cb}

	p.Process(context.Background(), "bot1", []runtime.WithSource{
		{PluginID: "echo", Output: runtime.Output{Kind: runtime.OutputSendReply, UserID: "u1", Content: "hi"}},
	})

	if len(plat.calls) != 1 || plat.calls[0] != "send_private_msg" {
		t.Fatalf("expected one send_private_msg call, got %+v", plat.calls)
	}
}

func TestProcess_SendReplyToGroupCallsSendGroupMsg(t *testing.T) {
	plat := &fakePlatform{}
	cb := &fakeCallback{}
	p := &output.Processor{Platform: plat, Callback: cb}

	p.Process(context.Background(), "bot1", []runtime.WithSource{
		{PluginID: "echo", Output: runtime.Output{Kind: runtime.OutputSendReply, GroupID: "g1", Content: "hi"}},
	})

	if len(plat.calls) != 1 || plat.calls[0] != "send_group_msg" {
		t.Fatalf("expected one send_group_msg call, got %+v", plat.calls)
	}
}

func TestProcess_SendForwardMessageToGroup(t *testing.T) {
	plat := &fakePlatform{}
	cb := &fakeCallback{}
	p := &output.Processor{Platform: plat, Callback: cb}

	p.Process(context.Background(), "bot1", []runtime.WithSource{
		{PluginID: "echo", Output: runtime.Output{Kind: runtime.OutputSendForwardMessage, GroupID: "g1", Nodes: []runtime.ForwardNode{{Name: "n", Content: "hi"}}}},
	})

	if len(plat.calls) != 1 || plat.calls[0] != "send_group_forward_msg" {
		t.Fatalf("expected one send_group_forward_msg call, got %+v", plat.calls)
	}
}

func TestProcess_SendForwardMessageToPrivateChat(t *testing.T) {
	plat := &fakePlatform{}
	cb := &fakeCallback{}
	p := &output.Processor{Platform: plat, Callback: cb}

	p.Process(context.Background(), "bot1", []runtime.WithSource{
		{PluginID: "echo", Output: runtime.Output{Kind: runtime.OutputSendForwardMessage, UserID: "u1", Nodes: []runtime.ForwardNode{{Name: "n", Content: "hi"}}}},
	})

	if len(plat.calls) != 1 || plat.calls[0] != "send_private_forward_msg" {
		t.Fatalf("expected one send_private_forward_msg call, got %+v", plat.calls)
	}
}

func TestProcess_FetchGroupInfoInvokesCallback(t *testing.T) {
	plat := &fakePlatform{apiData: json.RawMessage(`{"notice":"hello"}`)}
	cb := &fakeCallback{}
	p := &output.Processor{Platform: plat, Callback: cb}

	p.Process(context.Background(), "bot1", []runtime.WithSource{
		{PluginID: "notice-plugin", Output: runtime.Output{Kind: runtime.OutputFetchGroupNotice, GroupID: "g1", RequestID: "req-1"}},
	})

	if cb.groupInfoCall != "group_notice" {
		t.Fatalf("expected group_notice callback, got %q", cb.groupInfoCall)
	}
}

func TestProcess_MutedGroupDropsLlmChat(t *testing.T) {
	plat := &fakePlatform{sendStatus: platform.SendStatusMuted}
	cb := &fakeCallback{}
	p := &output.Processor{Platform: plat, Callback: cb}

	p.Process(context.Background(), "bot1", []runtime.WithSource{
		{PluginID: "llm-plugin", Output: runtime.Output{Kind: runtime.OutputCallLlmChat, GroupID: "g1", RequestID: "req-1", Messages: json.RawMessage(`[]`)}},
	})

	if len(cb.llmResponses) != 0 {
		t.Fatalf("expected LLM call to be dropped for muted group, got %+v", cb.llmResponses)
	}
}

func TestProcess_RateLimitedSenderSkipsLlmChatAndSendsCannedReply(t *testing.T) {
	plat := &fakePlatform{}
	cb := &fakeCallback{}
	limiter := ratelimit.New(0, time.Minute)
	limiter.Allow("u1") // exhaust the (default) quota deterministically below
	for limiter.Remaining("u1") > 0 {
		limiter.Allow("u1")
	}

	p := &output.Processor{Platform: plat, Callback: cb, Limiter: limiter, RateLimitReply: "slow down"}

	p.Process(context.Background(), "bot1", []runtime.WithSource{
		{PluginID: "llm-plugin", Output: runtime.Output{Kind: runtime.OutputCallLlmChat, UserID: "u1", RequestID: "req-1", Messages: json.RawMessage(`[]`)}},
	})

	if len(cb.llmResponses) != 0 {
		t.Fatalf("expected LLM call to be skipped once rate-limited, got %+v", cb.llmResponses)
	}
	found := false
	for _, c := range plat.calls {
		if c == "send_private_msg" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a canned send_private_msg reply for the rate-limited sender")
	}
}

func TestProcess_CallLlmChatDeliversContentToCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"pong"}}]}`))
	}))
	defer srv.Close()

	plat := &fakePlatform{}
	cb := &fakeCallback{}
	client := llm.New(srv.URL, "key", 0)
	p := &output.Processor{Platform: plat, Callback: cb, LLM: client}

	p.Process(context.Background(), "bot1", []runtime.WithSource{
		{PluginID: "llm-plugin", Output: runtime.Output{Kind: runtime.OutputCallLlmChat, UserID: "u1", RequestID: "req-1", ModelName: "gpt", Messages: json.RawMessage(`[{"role":"user","content":"ping"}]`)}},
	})

	if len(cb.llmResponses) != 1 || cb.llmResponses[0] != "pong" {
		t.Fatalf("expected callback to receive %q, got %+v", "pong", cb.llmResponses)
	}
}

func TestProcess_UpdateConfigAppliesToOwnPlugin(t *testing.T) {
	plat := &fakePlatform{}
	cb := &fakeCallback{}
	p := &output.Processor{Platform: plat, Callback: cb}

	p.Process(context.Background(), "bot1", []runtime.WithSource{
		{PluginID: "cfg", Output: runtime.Output{Kind: runtime.OutputUpdateConfig, Config: json.RawMessage(`{"a":1}`)}},
	})

	if string(cb.updatedConfig) != `{"a":1}` {
		t.Fatalf("expected config to be applied, got %s", cb.updatedConfig)
	}
}

func TestProcess_UnknownKindIsLoggedAndSkipped(t *testing.T) {
	plat := &fakePlatform{}
	cb := &fakeCallback{}
	p := &output.Processor{Platform: plat, Callback: cb}

	// Should not panic; the bad output is logged and the queue drains.
	p.Process(context.Background(), "bot1", []runtime.WithSource{
		{PluginID: "weird", Output: runtime.Output{Kind: runtime.OutputKind("nonsense")}},
	})
}
