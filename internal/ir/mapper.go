package ir

import (
	"sync"

	"github.com/cloudcodex/cloudcodex/pkg/codex"
)

// Mapper folds the raw event stream into per-thread run views. It is
// deterministic and performs no I/O; callers own delivery order. A mutex
// guards concurrent access from the supervisor read loop and approval
// resolution.
type Mapper struct {
	mu     sync.Mutex
	rawLog []*RawEvent
	runs   map[string]*RunView
}

// NewMapper creates an empty mapper.
func NewMapper() *Mapper {
	return &Mapper{runs: make(map[string]*RunView)}
}

// Consume folds one event into the corresponding run view and returns a
// detached snapshot of the updated view, or nil when no view was touched.
// Events without a resolvable threadId are retained in the raw log only.
func (m *Mapper) Consume(ev *RawEvent) *RunView {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rawLog = append(m.rawLog, ev)

	threadID := resolveThreadID(ev)
	if threadID == "" {
		return nil
	}
	turnID := resolveTurnID(ev)

	run := m.runs[threadID]
	if run == nil {
		run = newRunView(threadID)
		m.runs[threadID] = run
	}

	if touched := m.apply(run, turnID, ev); touched != nil {
		return touched.Clone()
	}
	return nil
}

// apply mutates the live run for one event and returns it when touched.
// Callers hold m.mu and clone before releasing it.
func (m *Mapper) apply(run *RunView, turnID string, ev *RawEvent) *RunView {
	switch ev.Type {
	case codex.NotifyThreadStarted:
		if run.CreatedAt == nil {
			ts := ev.TS
			run.CreatedAt = &ts
		}
		return run

	case codex.NotifyTurnStarted:
		run.Status = RunInProgress
		if turnID != "" {
			run.Meta["lastTurnId"] = turnID
		}
		return run

	case codex.NotifyTurnCompleted:
		run.Status = runStatusFrom(strField(ev.Payload, "status"))
		m.closeOpenReasoning(run, turnID, ev)
		return run

	case codex.NotifyTurnPlanUpdated:
		next := &PlanView{
			TurnID:      turnID,
			UpdatedAt:   ev.TS,
			Explanation: strField(ev.Payload, "explanation"),
			Steps:       planStepsFrom(ev.Payload),
		}
		if run.Plan != nil {
			prior := run.Plan
			history := prior.History
			prior.History = nil
			next.History = append(history, prior)
		}
		run.Plan = next
		return run

	case codex.NotifyTurnDiffUpdated:
		run.Diff = &DiffView{
			TurnID:    turnID,
			UpdatedAt: ev.TS,
			Diff:      strField(ev.Payload, "diff"),
		}
		return run

	case codex.NotifyThreadTokenUsageUpdated:
		run.TokenUsage = &TokenUsageView{
			UpdatedAt:    ev.TS,
			InputTokens:  intField(ev.Payload, "inputTokens"),
			OutputTokens: intField(ev.Payload, "outputTokens"),
			TotalTokens:  intField(ev.Payload, "totalTokens"),
		}
		return run

	case codex.NotifyItemStarted:
		return m.onItemStarted(run, turnID, ev)

	case codex.NotifyItemCompleted:
		return m.onItemCompleted(run, turnID, ev)

	case codex.NotifyItemAgentMessageDelta:
		return m.onDelta(run, turnID, ev, KindAssistantMessage)
	case codex.NotifyItemReasoningSummaryDelta,
		codex.NotifyItemReasoningPartAdded,
		codex.NotifyItemReasoningTextDelta:
		return m.onDelta(run, turnID, ev, KindReasoning)
	case codex.NotifyItemCmdExecOutputDelta:
		return m.onDelta(run, turnID, ev, KindCommandExecution)
	case codex.NotifyItemFileChangeOutputDelta:
		return m.onDelta(run, turnID, ev, KindFileChange)

	case codex.RequestCmdExecApproval:
		return m.onApprovalRequest(run, turnID, ev, KindCommandExecution)
	case codex.RequestFileChangeApproval:
		return m.onApprovalRequest(run, turnID, ev, KindFileChange)
	}

	// unknown event type: raw log only
	return nil
}

// Run returns the live run view for a thread, or nil.
func (m *Mapper) Run(threadID string) *RunView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[threadID]
}

// Snapshot returns a deep copy of the run view for a thread, or nil.
func (m *Mapper) Snapshot(threadID string) *RunView {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run := m.runs[threadID]; run != nil {
		return run.Clone()
	}
	return nil
}

// Runs lists all known thread ids.
func (m *Mapper) Runs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	return ids
}

// RawLen returns the number of consumed events.
func (m *Mapper) RawLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rawLog)
}

// SetApprovalStatus records the resolution of a step's pending approval and
// returns a detached snapshot of the updated view, or nil when the step or
// approval is unknown. Declined approvals also mark the step declined unless
// a later item/completed already settled it. ts (epoch ms) backfills tsStart
// when the approval request was the step's first event and stamps tsEnd when
// the resolution settles the step.
func (m *Mapper) SetApprovalStatus(threadID, itemID string, status ApprovalStatus, ts int64) *RunView {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := m.runs[threadID]
	if run == nil {
		return nil
	}
	step := run.Step(itemID)
	if step == nil || step.Approval == nil {
		return nil
	}
	step.Approval.Status = status
	if status == ApprovalAccepted && step.Status == StepPending {
		step.Status = StepInProgress
		if step.TSStart == nil {
			start := ts
			step.TSStart = &start
		}
	}
	if (status == ApprovalDeclined || status == ApprovalTimeout) && !step.Status.IsTerminal() {
		step.Status = StepDeclined
		if step.TSStart == nil {
			start := ts
			step.TSStart = &start
		}
		end := ts
		step.TSEnd = &end
	}
	return run.Clone()
}

// SetApprovalID attaches the broker-issued approval id to a step's approval
// and returns a detached snapshot of the updated view, or nil when the step
// has no approval to attach it to.
func (m *Mapper) SetApprovalID(threadID, itemID, approvalID string) *RunView {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := m.runs[threadID]
	if run == nil {
		return nil
	}
	step := run.Step(itemID)
	if step == nil || step.Approval == nil {
		return nil
	}
	step.Approval.ApprovalID = approvalID
	return run.Clone()
}

// SynthesizeNote appends a systemNote step carrying an unsolicited error or
// informational message, creating the run if needed. Returns a detached
// snapshot of the updated view.
func (m *Mapper) SynthesizeNote(threadID, noteID, text string, ts int64) *RunView {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := m.runs[threadID]
	if run == nil {
		run = newRunView(threadID)
		m.runs[threadID] = run
	}
	step := &StepView{
		StepID:      noteID,
		Kind:        KindSystemNote,
		Status:      StepCompleted,
		ThreadID:    threadID,
		TSStart:     &ts,
		TSEnd:       &ts,
		Meta:        map[string]any{"text": text},
		RawEventIDs: []string{},
	}
	run.Steps = append(run.Steps, step)
	run.stepIndex[noteID] = step
	return run.Clone()
}

func (m *Mapper) onItemStarted(run *RunView, turnID string, ev *RawEvent) *RunView {
	item, _ := ev.Payload["item"].(map[string]any)
	itemID := strField(item, "id")
	if itemID == "" {
		return nil
	}
	kind := stepKindFor(strField(item, "type"))

	if kind != KindReasoning {
		m.closeOpenReasoning(run, turnID, ev)
	}

	step := m.resolveStep(run, itemID, kind, turnID, ev)
	if !step.Status.IsTerminal() {
		step.Status = StepInProgress
	}
	if step.TSStart == nil {
		ts := ev.TS
		step.TSStart = &ts
	}
	populateMeta(step, kind, item)
	return run
}

func (m *Mapper) onItemCompleted(run *RunView, turnID string, ev *RawEvent) *RunView {
	item, _ := ev.Payload["item"].(map[string]any)
	itemID := strField(item, "id")
	if itemID == "" {
		return nil
	}
	kind := stepKindFor(strField(item, "type"))
	step := m.resolveStep(run, itemID, kind, turnID, ev)

	// item/completed is authoritative for the terminal status
	if kind == KindReasoning {
		step.Status = StepCompleted
	} else {
		step.Status = stepStatusFrom(strField(item, "status"))
	}
	ts := ev.TS
	step.TSEnd = &ts
	if step.TSStart == nil {
		step.TSStart = &ts
	}
	populateMeta(step, kind, item)
	populateResult(step, kind, item)
	return run
}

func (m *Mapper) onDelta(run *RunView, turnID string, ev *RawEvent, kind StepKind) *RunView {
	itemID := strField(ev.Payload, "itemId")
	if itemID == "" {
		return nil
	}
	step := m.resolveStep(run, itemID, kind, turnID, ev)
	if !step.Status.IsTerminal() && step.Status == StepPending {
		step.Status = StepInProgress
	}
	if step.TSStart == nil {
		ts := ev.TS
		step.TSStart = &ts
	}
	delta := strField(ev.Payload, "delta")
	if delta == "" {
		delta = strField(ev.Payload, "text")
	}
	// stream stays append-only; deltas after a terminal status append silently
	step.Stream += delta
	return run
}

func (m *Mapper) onApprovalRequest(run *RunView, turnID string, ev *RawEvent, kind StepKind) *RunView {
	itemID := strField(ev.Payload, "itemId")
	if itemID == "" {
		return nil
	}
	step := m.resolveStep(run, itemID, kind, turnID, ev)
	// the broker-issued id arrives separately through SetApprovalID
	step.Approval = &ApprovalView{
		Status: ApprovalPending,
		Reason: strField(ev.Payload, "reasoning"),
		Risk:   strField(ev.Payload, "risk"),
	}
	if !step.Status.IsTerminal() {
		step.Status = StepPending
	}
	if kind == KindCommandExecution {
		setMeta(step, "command", strField(ev.Payload, "command"))
		setMeta(step, "cwd", strField(ev.Payload, "cwd"))
	}
	if kind == KindFileChange {
		if changes, ok := ev.Payload["changes"]; ok {
			setMetaAny(step, "changes", changes)
		}
	}
	return run
}

// resolveStep finds or creates the step for itemID and records the
// contributing event. Kind and turn are only set on creation; a step never
// changes kind once terminal (and in practice never at all, since the first
// event wins).
func (m *Mapper) resolveStep(run *RunView, itemID string, kind StepKind, turnID string, ev *RawEvent) *StepView {
	step := run.Step(itemID)
	if step == nil {
		step = &StepView{
			StepID:      itemID,
			Kind:        kind,
			Status:      StepPending,
			ThreadID:    run.RunID,
			TurnID:      turnID,
			RawEventIDs: []string{},
		}
		run.Steps = append(run.Steps, step)
		run.stepIndex[itemID] = step
	}
	if step.TurnID == "" && turnID != "" {
		step.TurnID = turnID
	}
	step.RawEventIDs = append(step.RawEventIDs, ev.ID)
	return step
}

// closeOpenReasoning force-completes any in-progress reasoning step of the
// given turn; the closing event's timestamp becomes tsEnd.
func (m *Mapper) closeOpenReasoning(run *RunView, turnID string, ev *RawEvent) {
	for _, step := range run.Steps {
		if step.Kind != KindReasoning || step.Status != StepInProgress {
			continue
		}
		if turnID != "" && step.TurnID != "" && step.TurnID != turnID {
			continue
		}
		ts := ev.TS
		step.Status = StepCompleted
		step.TSEnd = &ts
	}
}

func populateMeta(step *StepView, kind StepKind, item map[string]any) {
	switch kind {
	case KindCommandExecution:
		setMeta(step, "command", strField(item, "command"))
		setMeta(step, "cwd", strField(item, "cwd"))
	case KindFileChange:
		if changes, ok := item["changes"]; ok {
			setMetaAny(step, "changes", changes)
		}
	case KindMcpToolCall, KindCollabToolCall:
		setMeta(step, "server", strField(item, "server"))
		setMeta(step, "tool", strField(item, "tool"))
		if args, ok := item["arguments"]; ok {
			setMetaAny(step, "arguments", args)
		}
	case KindWebSearch:
		setMeta(step, "query", strField(item, "query"))
	case KindUserMessage:
		setMeta(step, "text", strField(item, "text"))
	}
}

func populateResult(step *StepView, kind StepKind, item map[string]any) {
	switch kind {
	case KindCommandExecution:
		setResult(step, "output", strField(item, "aggregatedOutput"))
		if v := intField(item, "exitCode"); v != nil {
			setResultAny(step, "exitCode", *v)
		}
		if v := intField(item, "durationMs"); v != nil {
			setResultAny(step, "durationMs", *v)
		}
	case KindFileChange:
		if changes, ok := item["changes"]; ok {
			setResultAny(step, "changes", changes)
		}
	case KindMcpToolCall, KindCollabToolCall:
		if res, ok := item["result"]; ok {
			setResultAny(step, "result", res)
		}
		setResult(step, "error", strField(item, "error"))
	case KindAssistantMessage, KindUserMessage:
		setResult(step, "text", strField(item, "text"))
	}
}

func setMeta(step *StepView, key, value string) {
	if value == "" {
		return
	}
	setMetaAny(step, key, value)
}

func setMetaAny(step *StepView, key string, value any) {
	if value == nil {
		return
	}
	if step.Meta == nil {
		step.Meta = map[string]any{}
	}
	step.Meta[key] = value
}

func setResult(step *StepView, key, value string) {
	if value == "" {
		return
	}
	setResultAny(step, key, value)
}

func setResultAny(step *StepView, key string, value any) {
	if value == nil {
		return
	}
	if step.Result == nil {
		step.Result = map[string]any{}
	}
	step.Result[key] = value
}

func planStepsFrom(payload map[string]any) []PlanStep {
	raw, _ := payload["plan"].([]any)
	steps := make([]PlanStep, 0, len(raw))
	for _, entry := range raw {
		item, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		steps = append(steps, PlanStep{
			Step:   strField(item, "step"),
			Status: strField(item, "status"),
		})
	}
	return steps
}

func stepKindFor(itemType string) StepKind {
	switch itemType {
	case "userMessage":
		return KindUserMessage
	case "agentMessage":
		return KindAssistantMessage
	case "reasoning":
		return KindReasoning
	case "commandExecution":
		return KindCommandExecution
	case "fileChange":
		return KindFileChange
	case "mcpToolCall":
		return KindMcpToolCall
	case "collabToolCall", "collaborationToolCall":
		return KindCollabToolCall
	case "webSearch":
		return KindWebSearch
	case "imageView":
		return KindImageView
	case "review", "reviewMode":
		return KindReviewMode
	case "compacted", "contextCompaction":
		return KindCompacted
	default:
		return KindSystemNote
	}
}

func stepStatusFrom(s string) StepStatus {
	switch s {
	case "failed":
		return StepFailed
	case "declined":
		return StepDeclined
	default:
		return StepCompleted
	}
}

func runStatusFrom(s string) RunStatus {
	switch s {
	case "failed":
		return RunFailed
	case "interrupted":
		return RunInterrupted
	case "inProgress":
		return RunInProgress
	default:
		return RunCompleted
	}
}

func resolveThreadID(ev *RawEvent) string {
	if ev.ThreadID != "" {
		return ev.ThreadID
	}
	return ExtractThreadID(ev.Payload)
}

func resolveTurnID(ev *RawEvent) string {
	if ev.TurnID != "" {
		return ev.TurnID
	}
	return ExtractTurnID(ev.Payload)
}

// ExtractThreadID pulls a thread id out of well-known payload shapes, in
// order: params.threadId, params.turn.threadId, params.thread.id.
func ExtractThreadID(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if v := strField(payload, "threadId"); v != "" {
		return v
	}
	if turn, ok := payload["turn"].(map[string]any); ok {
		if v := strField(turn, "threadId"); v != "" {
			return v
		}
	}
	if thread, ok := payload["thread"].(map[string]any); ok {
		if v := strField(thread, "id"); v != "" {
			return v
		}
	}
	return ""
}

// ExtractTurnID pulls a turn id out of well-known payload shapes, in order:
// params.turnId, params.turn.id.
func ExtractTurnID(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if v := strField(payload, "turnId"); v != "" {
		return v
	}
	if turn, ok := payload["turn"].(map[string]any); ok {
		if v := strField(turn, "id"); v != "" {
			return v
		}
	}
	return ""
}

func strField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]any, key string) *int64 {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case float64:
		i := int64(v)
		return &i
	case int:
		i := int64(v)
		return &i
	case int64:
		return &v
	}
	return nil
}
