package runtime

import "encoding/json"

// OutputKind discriminates the closed PluginOutput sum type. The Output
// Processor (internal/plugin/output) pattern-matches on Kind and reads the
// field(s) that variant populates; all other fields are zero for that kind.
type OutputKind string

const (
	OutputUpdateConfig             OutputKind = "updateConfig"
	OutputSendReply                OutputKind = "sendReply"
	OutputSendMessage              OutputKind = "sendMessage"
	OutputCallAPI                  OutputKind = "callApi"
	OutputSendForwardMessage       OutputKind = "sendForwardMessage"
	OutputCallLlmChat              OutputKind = "callLlmChat"
	OutputCallLlmChatWithSearch    OutputKind = "callLlmChatWithSearch"
	OutputCallLlmAndForward        OutputKind = "callLlmAndForward"
	OutputCallLlmAndForwardFromURL OutputKind = "callLlmAndForwardFromUrl"
	OutputCallLlmForwardImage      OutputKind = "callLlmAndForwardImageFromUrl"
	OutputCallLlmForwardVideo      OutputKind = "callLlmAndForwardVideoFromUrl"
	OutputCallLlmForwardAudio      OutputKind = "callLlmAndForwardAudioFromUrl"
	OutputCallLlmForwardMediaBndl  OutputKind = "callLlmAndForwardMediaBundle"
	OutputFetchGroupNotice         OutputKind = "fetchGroupNotice"
	OutputFetchGroupMsgHistory     OutputKind = "fetchGroupMsgHistory"
	OutputFetchGroupFiles          OutputKind = "fetchGroupFiles"
	OutputFetchGroupFileURL        OutputKind = "fetchGroupFileUrl"
	OutputFetchFriendList          OutputKind = "fetchFriendList"
	OutputFetchGroupList           OutputKind = "fetchGroupList"
	OutputFetchGroupMemberList     OutputKind = "fetchGroupMemberList"
	OutputDownloadFile             OutputKind = "downloadFile"
)

// ForwardNode is one node of a platform forward message (spec.md §3).
type ForwardNode struct {
	UIN     string `json:"uin"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// MediaBundleItem is one media reference in a CallLlmAndForwardMediaBundle
// output.
type MediaBundleItem struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// Output is the closed sum type a plugin hook invocation queues. Exactly
// the fields relevant to Kind are meaningful; all others are left zero.
type Output struct {
	Kind OutputKind

	// UpdateConfig
	Config json.RawMessage

	// SendReply / SendMessage / SendForwardMessage / CallApi
	UserID  string
	GroupID string
	Content string
	Action  string
	Params  json.RawMessage
	Nodes   []ForwardNode

	// CallLlmChat / CallLlmChatWithSearch / CallLlmAndForward*
	RequestID    string
	ModelName    string
	Messages     json.RawMessage
	MaxTokens    int
	EnableSearch *bool
	SourceURL    string
	Prompt       string
	MediaItems   []MediaBundleItem

	// CallLlmAndForwardFromURL / CallLlmForwardImage / CallLlmForwardVideo /
	// CallLlmForwardAudio / CallLlmForwardMediaBndl: system prompt steering
	// the forward call, display title for the fetched resource, file name
	// hint (transcription MIME guessing), and download/response bounds.
	SystemPrompt string
	Title        string
	FileName     string
	TimeoutMS    int
	MaxBytes     int64
	MaxChars     int

	// FetchGroup* / FetchFriendList / FetchGroupList / DownloadFile
	MsgCount    int
	MessageSeq  int64
	FolderID    string
	FileID      string
	BusID       int64
	ThreadCount int
	Headers     map[string]string
}

// WithSource pairs an Output with the id of the plugin that produced it, the
// shape the Output Processor and Manager's fan-out accumulate.
type WithSource struct {
	PluginID string
	Output   Output
}
