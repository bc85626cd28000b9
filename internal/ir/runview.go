// Package ir normalizes the agent's raw event stream into per-thread run
// views. The mapper is pure: it performs no I/O and its output depends only on
// the sequence of events consumed.
package ir

import "encoding/json"

// RunStatus is the lifecycle status of a run (= agent thread).
type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunInProgress  RunStatus = "inProgress"
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
	RunFailed      RunStatus = "failed"
)

// StepStatus is the lifecycle status of a step. Transitions are monotonic
// along pending -> inProgress -> {completed, failed, declined}; a later
// item/completed is authoritative for the terminal value.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "inProgress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepDeclined   StepStatus = "declined"
)

// IsTerminal reports whether the status is one of completed/failed/declined.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepDeclined
}

// StepKind classifies a step. Unknown item types map to KindSystemNote.
type StepKind string

const (
	KindUserMessage      StepKind = "userMessage"
	KindAssistantMessage StepKind = "assistantMessage"
	KindReasoning        StepKind = "reasoning"
	KindCommandExecution StepKind = "commandExecution"
	KindFileChange       StepKind = "fileChange"
	KindMcpToolCall      StepKind = "mcpToolCall"
	KindCollabToolCall   StepKind = "collabToolCall"
	KindWebSearch        StepKind = "webSearch"
	KindImageView        StepKind = "imageView"
	KindReviewMode       StepKind = "reviewMode"
	KindCompacted        StepKind = "compacted"
	KindSystemNote       StepKind = "systemNote"
)

// ApprovalStatus is the lifecycle of a human-in-the-loop approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalAccepted ApprovalStatus = "accepted"
	ApprovalDeclined ApprovalStatus = "declined"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

// RawEvent is one supervisor-produced event: an incoming notification or
// request, stamped with a monotonic id and arrival timestamp.
type RawEvent struct {
	ID       string         `json:"id"`
	TS       int64          `json:"ts"` // epoch millis
	ThreadID string         `json:"threadId,omitempty"`
	TurnID   string         `json:"turnId,omitempty"`
	Type     string         `json:"type"` // the JSON-RPC method name
	Payload  map[string]any `json:"payload,omitempty"`
	RPCID    any            `json:"rpcId,omitempty"` // set when the source was a request
}

// ApprovalView is the approval attached to a step, when the agent asked.
type ApprovalView struct {
	ApprovalID string         `json:"approvalId"`
	Status     ApprovalStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Risk       string         `json:"risk,omitempty"`
}

// StepView is one logical activity within a run, identified by the agent's
// itemId.
type StepView struct {
	StepID   string     `json:"stepId"`
	Kind     StepKind   `json:"kind"`
	Status   StepStatus `json:"status"`
	ThreadID string     `json:"threadId"`
	TurnID   string     `json:"turnId,omitempty"`
	TSStart  *int64     `json:"tsStart,omitempty"`
	TSEnd    *int64     `json:"tsEnd,omitempty"`

	// Meta holds kind-specific static attributes (command, cwd, changes,
	// server/tool/arguments, query, user text).
	Meta map[string]any `json:"meta,omitempty"`
	// Result holds kind-specific terminal attributes (output, exitCode,
	// durationMs, tool result/error).
	Result map[string]any `json:"result,omitempty"`
	// Stream is the accumulated delta text.
	Stream string `json:"stream,omitempty"`

	Approval *ApprovalView `json:"approval,omitempty"`

	// RawEventIDs lists the contributing raw events in arrival order.
	RawEventIDs []string `json:"rawEventIds"`
}

// PlanView is the agent's current plan plus all prior versions.
type PlanView struct {
	TurnID      string      `json:"turnId,omitempty"`
	UpdatedAt   int64       `json:"updatedAt"`
	Explanation string      `json:"explanation,omitempty"`
	Steps       []PlanStep  `json:"steps"`
	History     []*PlanView `json:"history,omitempty"`
}

// PlanStep is one entry of a plan.
type PlanStep struct {
	Step   string `json:"step"`
	Status string `json:"status"`
}

// DiffView is the aggregated diff of the run's latest turn.
type DiffView struct {
	TurnID    string `json:"turnId,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
	Diff      string `json:"diff"`
}

// TokenUsageView is the thread's token accounting.
type TokenUsageView struct {
	UpdatedAt    int64  `json:"updatedAt"`
	InputTokens  *int64 `json:"inputTokens,omitempty"`
	OutputTokens *int64 `json:"outputTokens,omitempty"`
	TotalTokens  *int64 `json:"totalTokens,omitempty"`
}

// RunView is the normalized, append-only projection of one agent thread.
type RunView struct {
	RunID      string          `json:"runId"`
	CreatedAt  *int64          `json:"createdAt,omitempty"`
	Status     RunStatus       `json:"status"`
	Steps      []*StepView     `json:"steps"`
	Plan       *PlanView       `json:"plan,omitempty"`
	Diff       *DiffView       `json:"diff,omitempty"`
	TokenUsage *TokenUsageView `json:"tokenUsage,omitempty"`
	Meta       map[string]any  `json:"meta"`

	stepIndex map[string]*StepView
}

func newRunView(runID string) *RunView {
	return &RunView{
		RunID:     runID,
		Status:    RunPending,
		Steps:     []*StepView{},
		Meta:      map[string]any{},
		stepIndex: make(map[string]*StepView),
	}
}

// Step returns the step with the given id, or nil.
func (r *RunView) Step(itemID string) *StepView {
	return r.stepIndex[itemID]
}

// Clone returns a deep copy of the run view, safe to hand to other
// goroutines. Cloning round-trips through JSON so the copy is exactly what a
// consumer would see on the wire.
func (r *RunView) Clone() *RunView {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out RunView
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	out.stepIndex = make(map[string]*StepView, len(out.Steps))
	for _, s := range out.Steps {
		out.stepIndex[s.StepID] = s
	}
	return &out
}
