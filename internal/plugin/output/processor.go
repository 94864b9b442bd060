// Package output drives the work-queue that turns the Output values a
// plugin hook queues into platform API calls, LLM calls, and the follow-up
// callback invocations those async calls produce (spec.md §4.7), grounded
// on process_plugin_outputs in the embedding process's original
// implementation.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bdobrica/nbotgw/internal/llm"
	"github.com/bdobrica/nbotgw/internal/platform"
	"github.com/bdobrica/nbotgw/internal/plugin/runtime"
	"github.com/bdobrica/nbotgw/internal/ratelimit"
)

// Callback is the subset of *manager.Manager the processor calls back into
// once an async LLM or group-info fetch completes, so the owning plugin can
// react (and potentially queue more outputs). *manager.Manager satisfies
// this by method shape without either package importing the other.
type Callback interface {
	OnLlmResponse(pluginID, requestID string, success bool, content string) ([]runtime.WithSource, error)
	OnGroupInfoResponse(pluginID, requestID, infoType string, success bool, data string) ([]runtime.WithSource, error)
	UpdateConfig(id string, config json.RawMessage) error
}

// Processor turns queued plugin Outputs into platform/LLM side effects.
type Processor struct {
	Platform platform.Platform
	LLM      *llm.Client
	Callback Callback
	Limiter  *ratelimit.Limiter

	// Models resolves a plugin-requested model name to the LlmConfig that
	// should serve it (spec.md §3). Nil means every call uses LLM as-is.
	Models llm.ModelResolver

	// canned reply sent instead of running an LLM call when a sender is
	// rate-limited.
	RateLimitReply string
}

// llmClientFor resolves the LlmConfig for modelName via Models (when
// configured) and returns the scoped client plus the model name to send on
// the wire, falling back to LLM/modelName unchanged when no resolver is set.
func (p *Processor) llmClientFor(ctx context.Context, modelName string) (*llm.Client, string) {
	if p.Models == nil {
		return p.LLM, modelName
	}
	cfg := p.Models.Resolve(ctx, modelName)
	return p.LLM.WithConfig(cfg), cfg.ModelName
}

// Process drains outs (and anything they transitively produce) against
// botID, logging and continuing past individual failures so one bad output
// never blocks its siblings.
func (p *Processor) Process(ctx context.Context, botID string, outs []runtime.WithSource) {
	queue := append([]runtime.WithSource(nil), outs...)
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		produced, err := p.handle(ctx, botID, item)
		if err != nil {
			slog.Error("output: failed to process plugin output",
				"plugin", item.PluginID, "kind", item.Output.Kind, "error", err)
			continue
		}
		queue = append(queue, produced...)
	}
}

func (p *Processor) handle(ctx context.Context, botID string, item runtime.WithSource) ([]runtime.WithSource, error) {
	pluginID := item.PluginID
	o := item.Output

	switch o.Kind {
	case runtime.OutputUpdateConfig:
		return nil, p.Callback.UpdateConfig(pluginID, o.Config)

	case runtime.OutputSendReply, runtime.OutputSendMessage:
		_, err := p.sendMsg(ctx, botID, o.UserID, o.GroupID, o.Content)
		return nil, err

	case runtime.OutputSendForwardMessage:
		return nil, p.sendForward(ctx, botID, o)

	case runtime.OutputCallAPI:
		_, err := p.Platform.CallAPI(ctx, botID, o.Action, json.RawMessage(o.Params))
		return nil, err

	case runtime.OutputCallLlmChat:
		return p.callLlmChat(ctx, pluginID, botID, o, false)

	case runtime.OutputCallLlmChatWithSearch:
		return p.callLlmChat(ctx, pluginID, botID, o, true)

	case runtime.OutputCallLlmAndForward,
		runtime.OutputCallLlmAndForwardFromURL,
		runtime.OutputCallLlmForwardImage,
		runtime.OutputCallLlmForwardVideo,
		runtime.OutputCallLlmForwardAudio,
		runtime.OutputCallLlmForwardMediaBndl:
		return p.callLlmAndForward(ctx, pluginID, botID, o)

	case runtime.OutputFetchGroupNotice:
		return p.fetchGroupInfo(ctx, pluginID, botID, o, "group_notice", "_get_group_notice", map[string]any{"group_id": o.GroupID})

	case runtime.OutputFetchGroupMsgHistory:
		return p.fetchGroupInfo(ctx, pluginID, botID, o, "group_msg_history", "get_group_msg_history", map[string]any{
			"group_id":    o.GroupID,
			"message_seq": o.MessageSeq,
			"count":       o.MsgCount,
		})

	case runtime.OutputFetchGroupFiles:
		return p.fetchGroupInfo(ctx, pluginID, botID, o, "group_files", "get_group_root_files", map[string]any{"group_id": o.GroupID})

	case runtime.OutputFetchGroupFileURL:
		return p.fetchGroupInfo(ctx, pluginID, botID, o, "group_file_url", "get_group_file_url", map[string]any{
			"group_id": o.GroupID,
			"file_id":  o.FileID,
			"bus_id":   o.BusID,
		})

	case runtime.OutputFetchFriendList:
		return p.fetchGroupInfo(ctx, pluginID, botID, o, "friend_list", "get_friend_list", map[string]any{})

	case runtime.OutputFetchGroupList:
		return p.fetchGroupInfo(ctx, pluginID, botID, o, "group_list", "get_group_list", map[string]any{})

	case runtime.OutputFetchGroupMemberList:
		return p.fetchGroupInfo(ctx, pluginID, botID, o, "group_member_list", "get_group_member_list", map[string]any{"group_id": o.GroupID})

	case runtime.OutputDownloadFile:
		return p.downloadFile(ctx, pluginID, o)

	default:
		return nil, fmt.Errorf("output: unknown output kind %q", o.Kind)
	}
}

// sendMsg picks send_group_msg vs send_private_msg the way the original
// picks send_group_forward_msg vs send_private_forward_msg: a non-empty
// group id means the target is a group, otherwise it's a private chat.
func (p *Processor) sendMsg(ctx context.Context, botID, userID, groupID, content string) (platform.APIResponse, error) {
	if groupID != "" {
		return p.Platform.CallAPI(ctx, botID, "send_group_msg", map[string]any{
			"group_id": groupID,
			"message":  content,
		})
	}
	return p.Platform.CallAPI(ctx, botID, "send_private_msg", map[string]any{
		"user_id": userID,
		"message": content,
	})
}

func (p *Processor) sendForward(ctx context.Context, botID string, o runtime.Output) error {
	nodes := make([]map[string]any, len(o.Nodes))
	for i, n := range o.Nodes {
		nodes[i] = map[string]any{
			"uin":     n.UIN,
			"name":    n.Name,
			"content": n.Content,
		}
	}
	if o.GroupID != "" {
		_, err := p.Platform.CallAPI(ctx, botID, "send_group_forward_msg", map[string]any{
			"group_id": o.GroupID,
			"messages": nodes,
		})
		return err
	}
	_, err := p.Platform.CallAPI(ctx, botID, "send_private_forward_msg", map[string]any{
		"user_id":  o.UserID,
		"messages": nodes,
	})
	return err
}

// fetchGroupInfo runs a read-only platform query and, regardless of
// outcome, hands the (success, data) pair back to the originating plugin
// via OnGroupInfoResponse, matching the teacher's fire-and-callback shape
// for every Fetch* output.
func (p *Processor) fetchGroupInfo(ctx context.Context, pluginID, botID string, o runtime.Output, infoType, action string, params map[string]any) ([]runtime.WithSource, error) {
	resp, err := p.Platform.CallAPI(ctx, botID, action, params)
	success := err == nil && resp.Status == "ok"
	var data string
	if success {
		data = string(resp.Data)
	} else if err != nil {
		data = err.Error()
	} else {
		data = resp.Message
	}
	return p.Callback.OnGroupInfoResponse(pluginID, o.RequestID, infoType, success, data)
}

func (p *Processor) downloadFile(ctx context.Context, pluginID string, o runtime.Output) ([]runtime.WithSource, error) {
	data, err := downloadBinary(ctx, o.SourceURL, timeoutOrDefault(o.TimeoutMS), maxBytesOrDefault(o.MaxBytes))
	success := err == nil
	content := ""
	if success {
		content = fmt.Sprintf("downloaded %d bytes", len(data))
	} else {
		content = err.Error()
	}
	return p.Callback.OnGroupInfoResponse(pluginID, o.RequestID, "downloadFile", success, content)
}

// abuseGuard reports whether an LLM task targeting groupID may run: it is
// silently dropped if the bot is muted in that group, and rejected with a
// canned reply if the sender has exceeded their rate limit (spec.md §4.7
// "begin_llm_task_guard").
func (p *Processor) abuseGuard(ctx context.Context, botID, userID, groupID, senderKey string) (bool, error) {
	if groupID != "" && p.Platform != nil {
		status, err := p.Platform.GetGroupSendStatus(ctx, botID, groupID)
		if err != nil {
			return false, err
		}
		if status == platform.SendStatusMuted {
			slog.Warn("output: dropping LLM task in muted group", "bot", botID, "group", groupID)
			return false, nil
		}
	}

	if p.Limiter != nil {
		if _, ok := p.Limiter.AcquireGuard(senderKey); !ok {
			if p.RateLimitReply != "" {
				_, _ = p.sendMsg(ctx, botID, userID, groupID, p.RateLimitReply)
			}
			return false, nil
		}
	}
	return true, nil
}

// timeoutOrDefault applies a 30s default when ms is unset, then clamps the
// result to [1s, 120s] (spec.md §5's downloader timeout bound).
func timeoutOrDefault(ms int) int {
	if ms <= 0 {
		ms = 30000
	}
	if ms < 1000 {
		return 1000
	}
	if ms > 120000 {
		return 120000
	}
	return ms
}

func maxBytesOrDefault(b int64) int64 {
	if b <= 0 {
		return 15_000_000
	}
	return b
}
