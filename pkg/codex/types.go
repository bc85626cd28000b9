// Package codex provides wire types and a line-framed codec for the Codex
// app-server protocol: JSON-RPC 2.0 over stdio, except that the agent omits
// the "jsonrpc":"2.0" header on every message.
package codex

import "encoding/json"

// Request is a JSON-RPC request (id + method).
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response. Exactly one of Result/Error is expected;
// when both arrive, Error wins (see DecodeMessage).
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a method call without an id; no response is expected.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Host → agent methods.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Agent → host notifications.
const (
	NotifyThreadStarted             = "thread/started"
	NotifyTurnStarted               = "turn/started"
	NotifyTurnCompleted             = "turn/completed"
	NotifyTurnPlanUpdated           = "turn/plan/updated"
	NotifyTurnDiffUpdated           = "turn/diff/updated"
	NotifyThreadTokenUsageUpdated   = "thread/tokenUsage/updated"
	NotifyItemStarted               = "item/started"
	NotifyItemCompleted             = "item/completed"
	NotifyItemAgentMessageDelta     = "item/agentMessage/delta"
	NotifyItemReasoningSummaryDelta = "item/reasoning/summaryTextDelta"
	NotifyItemReasoningPartAdded    = "item/reasoning/summaryPartAdded"
	NotifyItemReasoningTextDelta    = "item/reasoning/textDelta"
	NotifyItemCmdExecOutputDelta    = "item/commandExecution/outputDelta"
	NotifyItemFileChangeOutputDelta = "item/fileChange/outputDelta"
	NotifyContextCompacted          = "context_compacted"
)

// Agent → host requests. Both require a Response carrying the original id.
const (
	RequestCmdExecApproval    = "item/commandExecution/requestApproval"
	RequestFileChangeApproval = "item/fileChange/requestApproval"
)

// InitializeParams for the initialize handshake.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the host to the agent.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize.
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID       string `json:"threadId"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
}

// Thread as returned by thread/start and thread/resume.
type Thread struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// ThreadResult wraps the thread for start/resume results.
type ThreadResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput is one input element of a turn.
type UserInput struct {
	Type string `json:"type"` // "text", "image", "localImage"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
}

// Turn as returned by turn/start.
type Turn struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId,omitempty"`
	Status   string `json:"status,omitempty"` // "inProgress", "completed", "failed", "interrupted"
}

// TurnResult wraps the turn for turn/start results.
type TurnResult struct {
	Turn *Turn `json:"turn"`
}

// Item is a single activity inside a turn: message, reasoning, command,
// file change, tool call. Fields are a union over the item types.
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"` // "pending", "inProgress", "completed", "failed", "declined"

	// userMessage / agentMessage
	Text string `json:"text,omitempty"`

	// commandExecution
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`
	DurationMs       *int64 `json:"durationMs,omitempty"`

	// fileChange
	Changes []FileChange `json:"changes,omitempty"`

	// mcpToolCall / collabToolCall
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"`

	// webSearch
	Query string `json:"query,omitempty"`
}

// FileChange describes one changed file in a fileChange item.
type FileChange struct {
	Path string          `json:"path"`
	Kind *FileChangeKind `json:"kind,omitempty"`
	Diff string          `json:"diff,omitempty"`
}

// FileChangeKind is the change type ("add", "modify", "delete").
type FileChangeKind struct {
	Type string `json:"type"`
}

// ItemParams is the shared shape of item/started and item/completed.
type ItemParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
	Item     *Item  `json:"item"`
}

// DeltaParams is the shared shape of all item/*/delta notifications.
// Codex emits "delta" for text streams and "text" on some older builds;
// Content returns whichever is set.
type DeltaParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Content returns the streamed text of the delta.
func (p *DeltaParams) Content() string {
	if p.Delta != "" {
		return p.Delta
	}
	return p.Text
}

// TurnCompletedParams for turn/completed.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
	Status   string `json:"status,omitempty"` // defaults to "completed"
	Error    string `json:"error,omitempty"`
}

// PlanStep is one entry of the agent's plan.
type PlanStep struct {
	Step   string `json:"step"`
	Status string `json:"status"` // "pending", "inProgress", "completed"
}

// TurnPlanUpdatedParams for turn/plan/updated.
type TurnPlanUpdatedParams struct {
	ThreadID    string     `json:"threadId"`
	TurnID      string     `json:"turnId,omitempty"`
	Explanation string     `json:"explanation,omitempty"`
	Plan        []PlanStep `json:"plan"`
}

// TurnDiffUpdatedParams for turn/diff/updated.
type TurnDiffUpdatedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
	Diff     string `json:"diff"`
}

// TokenUsageParams for thread/tokenUsage/updated.
type TokenUsageParams struct {
	ThreadID     string `json:"threadId"`
	TurnID       string `json:"turnId,omitempty"`
	InputTokens  *int64 `json:"inputTokens,omitempty"`
	OutputTokens *int64 `json:"outputTokens,omitempty"`
	TotalTokens  *int64 `json:"totalTokens,omitempty"`
}

// CommandApprovalParams for item/commandExecution/requestApproval.
type CommandApprovalParams struct {
	ThreadID  string `json:"threadId"`
	TurnID    string `json:"turnId,omitempty"`
	ItemID    string `json:"itemId"`
	Command   string `json:"command"`
	Cwd       string `json:"cwd,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Risk      string `json:"risk,omitempty"`
}

// FileChangeApprovalParams for item/fileChange/requestApproval.
type FileChangeApprovalParams struct {
	ThreadID  string       `json:"threadId"`
	TurnID    string       `json:"turnId,omitempty"`
	ItemID    string       `json:"itemId"`
	Changes   []FileChange `json:"changes,omitempty"`
	Reasoning string       `json:"reasoning,omitempty"`
	Risk      string       `json:"risk,omitempty"`
}

// ApprovalResponse answers a requestApproval request.
// Decision values: "accept", "acceptForSession", "decline", "cancel".
type ApprovalResponse struct {
	Decision       string          `json:"decision"`
	AcceptSettings json.RawMessage `json:"acceptSettings,omitempty"`
}
