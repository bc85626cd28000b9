package ir

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudcodex/cloudcodex/pkg/codex"
)

type eventSeq struct {
	n int
}

func (s *eventSeq) next(ts int64, threadID, turnID, typ string, payload map[string]any) *RawEvent {
	s.n++
	return &RawEvent{
		ID:       fmt.Sprintf("evt-%d", s.n),
		TS:       ts,
		ThreadID: threadID,
		TurnID:   turnID,
		Type:     typ,
		Payload:  payload,
	}
}

func itemPayload(item map[string]any) map[string]any {
	return map[string]any{"item": item}
}

func TestMapperCommandLifecycle(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	m.Consume(seq.next(100, "th1", "tu1", codex.NotifyItemStarted, itemPayload(map[string]any{
		"id":      "i1",
		"type":    "commandExecution",
		"command": "echo ok",
		"cwd":     "/work",
	})))
	m.Consume(seq.next(110, "th1", "tu1", codex.NotifyItemCmdExecOutputDelta, map[string]any{
		"itemId": "i1",
		"delta":  "ok",
	}))
	run := m.Consume(seq.next(120, "th1", "tu1", codex.NotifyItemCompleted, itemPayload(map[string]any{
		"id":               "i1",
		"type":             "commandExecution",
		"status":           "completed",
		"aggregatedOutput": "ok",
		"exitCode":         float64(0),
		"durationMs":       float64(20),
	})))

	require.NotNil(t, run)
	require.Len(t, run.Steps, 1)

	step := run.Steps[0]
	assert.Equal(t, "i1", step.StepID)
	assert.Equal(t, KindCommandExecution, step.Kind)
	assert.Equal(t, StepCompleted, step.Status)
	assert.Equal(t, "ok", step.Stream)
	assert.Equal(t, "echo ok", step.Meta["command"])
	assert.Equal(t, "/work", step.Meta["cwd"])
	assert.Equal(t, "ok", step.Result["output"])
	assert.EqualValues(t, 0, step.Result["exitCode"])
	assert.EqualValues(t, 20, step.Result["durationMs"])
	require.NotNil(t, step.TSStart)
	require.NotNil(t, step.TSEnd)
	assert.Equal(t, int64(100), *step.TSStart)
	assert.Equal(t, int64(120), *step.TSEnd)
	assert.Equal(t, []string{"evt-1", "evt-2", "evt-3"}, step.RawEventIDs)
}

func TestMapperReasoningAutoClose(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	m.Consume(seq.next(100, "th1", "tu1", codex.NotifyItemStarted, itemPayload(map[string]any{
		"id":   "i2",
		"type": "reasoning",
	})))
	run := m.Consume(seq.next(150, "th1", "tu1", codex.NotifyItemStarted, itemPayload(map[string]any{
		"id":      "i3",
		"type":    "commandExecution",
		"command": "ls",
	})))

	require.NotNil(t, run)
	require.Len(t, run.Steps, 2)

	reasoning := run.Step("i2")
	require.NotNil(t, reasoning)
	assert.Equal(t, StepCompleted, reasoning.Status)
	require.NotNil(t, reasoning.TSEnd)
	assert.Equal(t, int64(150), *reasoning.TSEnd)

	cmd := run.Step("i3")
	require.NotNil(t, cmd)
	assert.Equal(t, StepInProgress, cmd.Status)
}

func TestMapperReasoningClosedOnTurnCompleted(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	m.Consume(seq.next(100, "th1", "tu1", codex.NotifyItemStarted, itemPayload(map[string]any{
		"id":   "r1",
		"type": "reasoning",
	})))
	run := m.Consume(seq.next(200, "th1", "tu1", codex.NotifyTurnCompleted, map[string]any{
		"status": "completed",
	}))

	require.NotNil(t, run)
	assert.Equal(t, RunCompleted, run.Status)

	reasoning := run.Step("r1")
	require.NotNil(t, reasoning)
	assert.Equal(t, StepCompleted, reasoning.Status)
	require.NotNil(t, reasoning.TSEnd)
	assert.Equal(t, int64(200), *reasoning.TSEnd)
}

func TestMapperDeterministicReplay(t *testing.T) {
	build := func() []*RawEvent {
		seq := &eventSeq{}
		return []*RawEvent{
			seq.next(10, "th1", "", codex.NotifyThreadStarted, map[string]any{"threadId": "th1"}),
			seq.next(20, "th1", "tu1", codex.NotifyTurnStarted, nil),
			seq.next(30, "th1", "tu1", codex.NotifyItemStarted, itemPayload(map[string]any{
				"id": "i1", "type": "agentMessage",
			})),
			seq.next(40, "th1", "tu1", codex.NotifyItemAgentMessageDelta, map[string]any{
				"itemId": "i1", "delta": "hello ",
			}),
			seq.next(50, "th1", "tu1", codex.NotifyItemAgentMessageDelta, map[string]any{
				"itemId": "i1", "delta": "world",
			}),
			seq.next(60, "th1", "tu1", codex.NotifyItemCompleted, itemPayload(map[string]any{
				"id": "i1", "type": "agentMessage", "status": "completed", "text": "hello world",
			})),
			seq.next(70, "th1", "tu1", codex.NotifyTurnCompleted, map[string]any{"status": "completed"}),
		}
	}

	snapshot := func() []byte {
		m := NewMapper()
		for _, ev := range build() {
			m.Consume(ev)
		}
		data, err := json.Marshal(m.Snapshot("th1"))
		require.NoError(t, err)
		return data
	}

	first := snapshot()
	second := snapshot()
	assert.Equal(t, string(first), string(second))
}

func TestMapperTerminalReplayIdempotent(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	completed := itemPayload(map[string]any{
		"id": "i1", "type": "commandExecution", "status": "completed", "aggregatedOutput": "done",
	})
	m.Consume(seq.next(100, "th1", "tu1", codex.NotifyItemCompleted, completed))
	before, err := json.Marshal(m.Snapshot("th1").Step("i1"))
	require.NoError(t, err)

	run := m.Consume(&RawEvent{
		ID: "evt-1", TS: 100, ThreadID: "th1", TurnID: "tu1",
		Type: codex.NotifyItemCompleted, Payload: completed,
	})
	require.NotNil(t, run)

	after := run.Step("i1")
	assert.Equal(t, StepCompleted, after.Status)
	assert.Equal(t, "done", after.Result["output"])

	var want StepView
	require.NoError(t, json.Unmarshal(before, &want))
	assert.Equal(t, want.Status, after.Status)
	assert.Equal(t, want.Result, after.Result)
	assert.Equal(t, want.Stream, after.Stream)
}

func TestMapperStatusMonotonic(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	m.Consume(seq.next(100, "th1", "tu1", codex.NotifyItemCompleted, itemPayload(map[string]any{
		"id": "i1", "type": "commandExecution", "status": "failed",
	})))
	// a late item/started must not reopen a settled step
	run := m.Consume(seq.next(110, "th1", "tu1", codex.NotifyItemStarted, itemPayload(map[string]any{
		"id": "i1", "type": "commandExecution",
	})))

	require.NotNil(t, run)
	assert.Equal(t, StepFailed, run.Step("i1").Status)
}

func TestMapperDeltaAfterTerminalAppends(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	m.Consume(seq.next(100, "th1", "tu1", codex.NotifyItemCompleted, itemPayload(map[string]any{
		"id": "i1", "type": "commandExecution", "status": "completed",
	})))
	run := m.Consume(seq.next(110, "th1", "tu1", codex.NotifyItemCmdExecOutputDelta, map[string]any{
		"itemId": "i1", "delta": "late",
	}))

	require.NotNil(t, run)
	step := run.Step("i1")
	assert.Equal(t, StepCompleted, step.Status)
	assert.Equal(t, "late", step.Stream)
}

func TestMapperPlanHistory(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	m.Consume(seq.next(100, "th1", "tu1", codex.NotifyTurnPlanUpdated, map[string]any{
		"explanation": "first",
		"plan": []any{
			map[string]any{"step": "read files", "status": "inProgress"},
		},
	}))
	run := m.Consume(seq.next(200, "th1", "tu1", codex.NotifyTurnPlanUpdated, map[string]any{
		"explanation": "second",
		"plan": []any{
			map[string]any{"step": "read files", "status": "completed"},
			map[string]any{"step": "write code", "status": "inProgress"},
		},
	}))

	require.NotNil(t, run)
	require.NotNil(t, run.Plan)
	assert.Equal(t, "second", run.Plan.Explanation)
	require.Len(t, run.Plan.Steps, 2)
	assert.Equal(t, "write code", run.Plan.Steps[1].Step)

	require.Len(t, run.Plan.History, 1)
	assert.Equal(t, "first", run.Plan.History[0].Explanation)
	assert.Nil(t, run.Plan.History[0].History)
}

func TestMapperDiffAndTokenUsage(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	m.Consume(seq.next(100, "th1", "tu1", codex.NotifyTurnDiffUpdated, map[string]any{
		"diff": "--- a/main.go\n+++ b/main.go\n",
	}))
	run := m.Consume(seq.next(110, "th1", "", codex.NotifyThreadTokenUsageUpdated, map[string]any{
		"inputTokens":  float64(100),
		"outputTokens": float64(40),
		"totalTokens":  float64(140),
	}))

	require.NotNil(t, run)
	require.NotNil(t, run.Diff)
	assert.Contains(t, run.Diff.Diff, "main.go")
	require.NotNil(t, run.TokenUsage)
	assert.Equal(t, int64(140), *run.TokenUsage.TotalTokens)
}

func TestMapperApprovalRequestAndResolution(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	run := m.Consume(seq.next(100, "th1", "tu1", codex.RequestCmdExecApproval, map[string]any{
		"itemId":    "i9",
		"command":   "rm -rf build",
		"cwd":       "/work",
		"reasoning": "clean build dir",
	}))
	require.NotNil(t, run)

	step := run.Step("i9")
	require.NotNil(t, step)
	assert.Equal(t, KindCommandExecution, step.Kind)
	assert.Equal(t, StepPending, step.Status)
	require.NotNil(t, step.Approval)
	assert.Empty(t, step.Approval.ApprovalID)
	assert.Equal(t, ApprovalPending, step.Approval.Status)
	assert.Equal(t, "clean build dir", step.Approval.Reason)
	assert.Equal(t, "rm -rf build", step.Meta["command"])
	assert.Nil(t, step.TSStart)

	run = m.SetApprovalID("th1", "i9", "ap-1")
	require.NotNil(t, run)
	assert.Equal(t, "ap-1", run.Step("i9").Approval.ApprovalID)

	run = m.SetApprovalStatus("th1", "i9", ApprovalAccepted, 150)
	require.NotNil(t, run)
	step = run.Step("i9")
	assert.Equal(t, ApprovalAccepted, step.Approval.Status)
	assert.Equal(t, StepInProgress, step.Status)
	require.NotNil(t, step.TSStart)
	assert.Equal(t, int64(150), *step.TSStart)
	assert.Nil(t, step.TSEnd)
}

func TestMapperDeclinedApprovalSettlesStep(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	m.Consume(seq.next(100, "th1", "tu1", codex.RequestFileChangeApproval, map[string]any{
		"itemId": "f1",
		"changes": []any{
			map[string]any{"path": "main.go", "kind": "update"},
		},
	}))
	run := m.SetApprovalStatus("th1", "f1", ApprovalDeclined, 250)

	require.NotNil(t, run)
	step := run.Step("f1")
	assert.Equal(t, ApprovalDeclined, step.Approval.Status)
	assert.Equal(t, StepDeclined, step.Status)
	// the request was the step's only event, so the resolution stamps both ends
	require.NotNil(t, step.TSStart)
	require.NotNil(t, step.TSEnd)
	assert.Equal(t, int64(250), *step.TSStart)
	assert.Equal(t, int64(250), *step.TSEnd)
}

func TestMapperApprovalTimeoutSettlesStep(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	m.Consume(seq.next(100, "th1", "tu1", codex.NotifyItemStarted, itemPayload(map[string]any{
		"id": "i1", "type": "commandExecution", "command": "make deploy",
	})))
	m.Consume(seq.next(110, "th1", "tu1", codex.RequestCmdExecApproval, map[string]any{
		"itemId":  "i1",
		"command": "make deploy",
	}))
	run := m.SetApprovalStatus("th1", "i1", ApprovalTimeout, 400)

	require.NotNil(t, run)
	step := run.Step("i1")
	assert.Equal(t, ApprovalTimeout, step.Approval.Status)
	assert.Equal(t, StepDeclined, step.Status)
	// tsStart came from item/started and must survive the resolution
	require.NotNil(t, step.TSStart)
	require.NotNil(t, step.TSEnd)
	assert.Equal(t, int64(100), *step.TSStart)
	assert.Equal(t, int64(400), *step.TSEnd)
}

func TestMapperSetApprovalIDRequiresApproval(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	assert.Nil(t, m.SetApprovalID("th1", "i1", "ap-1"))

	m.Consume(seq.next(100, "th1", "tu1", codex.NotifyItemStarted, itemPayload(map[string]any{
		"id": "i1", "type": "commandExecution",
	})))
	// the step exists but carries no approval
	assert.Nil(t, m.SetApprovalID("th1", "i1", "ap-1"))
}

func TestMapperUnknownEventRawLogOnly(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	run := m.Consume(seq.next(100, "th1", "", "thread/somethingNew", map[string]any{"x": 1}))
	assert.Nil(t, run)
	assert.Equal(t, 1, m.RawLen())
	assert.Empty(t, m.Run("th1").Steps)
}

func TestMapperDropsEventsWithoutThread(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	run := m.Consume(seq.next(100, "", "", codex.NotifyItemStarted, itemPayload(map[string]any{
		"id": "i1", "type": "agentMessage",
	})))
	assert.Nil(t, run)
	assert.Equal(t, 1, m.RawLen())
	assert.Empty(t, m.Runs())
}

func TestMapperThreadResolutionFromPayload(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	run := m.Consume(seq.next(100, "", "", codex.NotifyTurnStarted, map[string]any{
		"turn": map[string]any{"id": "tu1", "threadId": "th1"},
	}))
	require.NotNil(t, run)
	assert.Equal(t, "th1", run.RunID)
	assert.Equal(t, RunInProgress, run.Status)
	assert.Equal(t, "tu1", run.Meta["lastTurnId"])
}

func TestMapperUnknownItemTypeBecomesSystemNote(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	run := m.Consume(seq.next(100, "th1", "tu1", codex.NotifyItemStarted, itemPayload(map[string]any{
		"id": "x1", "type": "somethingExotic",
	})))
	require.NotNil(t, run)
	assert.Equal(t, KindSystemNote, run.Step("x1").Kind)
}

func TestMapperRunStatusFromTurnCompleted(t *testing.T) {
	for _, tc := range []struct {
		status string
		want   RunStatus
	}{
		{"completed", RunCompleted},
		{"failed", RunFailed},
		{"interrupted", RunInterrupted},
		{"", RunCompleted},
	} {
		m := NewMapper()
		payload := map[string]any{}
		if tc.status != "" {
			payload["status"] = tc.status
		}
		run := m.Consume(&RawEvent{
			ID: "evt-1", TS: 100, ThreadID: "th1", TurnID: "tu1",
			Type: codex.NotifyTurnCompleted, Payload: payload,
		})
		require.NotNil(t, run)
		assert.Equal(t, tc.want, run.Status, "status %q", tc.status)
	}
}

func TestMapperSnapshotIsDetached(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	m.Consume(seq.next(100, "th1", "tu1", codex.NotifyItemStarted, itemPayload(map[string]any{
		"id": "i1", "type": "agentMessage",
	})))
	snap := m.Snapshot("th1")
	require.NotNil(t, snap)

	m.Consume(seq.next(110, "th1", "tu1", codex.NotifyItemAgentMessageDelta, map[string]any{
		"itemId": "i1", "delta": "more",
	}))

	assert.Empty(t, snap.Step("i1").Stream)
	assert.Equal(t, "more", m.Run("th1").Step("i1").Stream)
}

func TestMapperConsumeReturnsDetachedSnapshot(t *testing.T) {
	m := NewMapper()
	seq := &eventSeq{}

	first := m.Consume(seq.next(100, "th1", "tu1", codex.NotifyItemStarted, itemPayload(map[string]any{
		"id": "i1", "type": "agentMessage",
	})))
	require.NotNil(t, first)

	m.Consume(seq.next(110, "th1", "tu1", codex.NotifyItemAgentMessageDelta, map[string]any{
		"itemId": "i1", "delta": "more",
	}))

	// later events must not leak into an already returned view
	assert.Empty(t, first.Step("i1").Stream)
}

func TestMapperSynthesizedNote(t *testing.T) {
	m := NewMapper()
	run := m.SynthesizeNote("th1", "note-1", "请求超时", 500)

	require.NotNil(t, run)
	step := run.Step("note-1")
	require.NotNil(t, step)
	assert.Equal(t, KindSystemNote, step.Kind)
	assert.Equal(t, StepCompleted, step.Status)
	assert.Equal(t, "请求超时", step.Meta["text"])
}
