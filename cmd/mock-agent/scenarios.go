package main

import (
	"encoding/json"
	"strings"

	"github.com/cloudcodex/cloudcodex/pkg/codex"
)

// Prompt prefixes selecting a scenario. Anything else gets the default
// reasoning + message sequence.
const (
	promptExec  = "/exec"  // commandExecution with an approval round trip
	promptPatch = "/patch" // fileChange with an approval round trip
	promptPlan  = "/plan"  // plan revisions, a diff, then a message
	promptError = "/error" // failed turn
)

// runTurn emits the notification sequence for one turn. Approval scenarios
// block on the host's response, reading it from stdin like a real agent.
func (a *mockAgent) runTurn(threadID, turnID, prompt string) {
	a.notify(codex.NotifyTurnStarted, map[string]any{
		"threadId": threadID,
		"turn":     map[string]any{"id": turnID},
	})

	prompt = strings.TrimSpace(prompt)
	switch {
	case strings.HasPrefix(prompt, promptExec):
		a.emitCommandExecution(threadID, turnID, strings.TrimSpace(strings.TrimPrefix(prompt, promptExec)))
	case strings.HasPrefix(prompt, promptPatch):
		a.emitFileChange(threadID, turnID)
	case strings.HasPrefix(prompt, promptPlan):
		a.emitPlanSequence(threadID, turnID)
	case strings.HasPrefix(prompt, promptError):
		a.notify(codex.NotifyTurnCompleted, &codex.TurnCompletedParams{
			ThreadID: threadID,
			TurnID:   turnID,
			Status:   "failed",
			Error:    "simulated failure",
		})
		return
	default:
		a.emitReasoning(threadID, turnID, "Thinking about: "+prompt)
		a.emitAgentMessage(threadID, turnID, "Mock response to: "+prompt)
	}

	a.notify(codex.NotifyThreadTokenUsageUpdated, &codex.TokenUsageParams{
		ThreadID:     threadID,
		TurnID:       turnID,
		InputTokens:  int64Ptr(1200),
		OutputTokens: int64Ptr(350),
		TotalTokens:  int64Ptr(1550),
	})
	a.notify(codex.NotifyTurnCompleted, &codex.TurnCompletedParams{
		ThreadID: threadID,
		TurnID:   turnID,
		Status:   "completed",
	})
}

// emitReasoning streams a reasoning item. Real agents never close these; the
// host infers completion, so the mock leaves the item open too.
func (a *mockAgent) emitReasoning(threadID, turnID, thought string) {
	itemID := a.nextItemID()
	a.notify(codex.NotifyItemStarted, &codex.ItemParams{
		ThreadID: threadID,
		TurnID:   turnID,
		Item:     &codex.Item{ID: itemID, Type: "reasoning"},
	})
	for _, chunk := range splitChunks(thought) {
		a.notify(codex.NotifyItemReasoningSummaryDelta, &codex.DeltaParams{
			ThreadID: threadID,
			TurnID:   turnID,
			ItemID:   itemID,
			Delta:    chunk,
		})
	}
}

func (a *mockAgent) emitAgentMessage(threadID, turnID, text string) {
	itemID := a.nextItemID()
	a.notify(codex.NotifyItemStarted, &codex.ItemParams{
		ThreadID: threadID,
		TurnID:   turnID,
		Item:     &codex.Item{ID: itemID, Type: "agentMessage"},
	})
	for _, chunk := range splitChunks(text) {
		a.notify(codex.NotifyItemAgentMessageDelta, &codex.DeltaParams{
			ThreadID: threadID,
			TurnID:   turnID,
			ItemID:   itemID,
			Delta:    chunk,
		})
	}
	a.notify(codex.NotifyItemCompleted, &codex.ItemParams{
		ThreadID: threadID,
		TurnID:   turnID,
		Item:     &codex.Item{ID: itemID, Type: "agentMessage", Status: "completed", Text: text},
	})
}

// emitCommandExecution requests approval for a command and runs or declines
// it depending on the host's decision.
func (a *mockAgent) emitCommandExecution(threadID, turnID, command string) {
	if command == "" {
		command = "echo hello"
	}
	itemID := a.nextItemID()
	a.notify(codex.NotifyItemStarted, &codex.ItemParams{
		ThreadID: threadID,
		TurnID:   turnID,
		Item:     &codex.Item{ID: itemID, Type: "commandExecution", Command: command, Cwd: "/workspace"},
	})

	decision := a.requestApproval(codex.RequestCmdExecApproval, &codex.CommandApprovalParams{
		ThreadID:  threadID,
		TurnID:    turnID,
		ItemID:    itemID,
		Command:   command,
		Cwd:       "/workspace",
		Reasoning: "the task needs this command",
	})

	item := &codex.Item{ID: itemID, Type: "commandExecution", Command: command, Cwd: "/workspace"}
	if decision == "accept" || decision == "acceptForSession" {
		a.notify(codex.NotifyItemCmdExecOutputDelta, &codex.DeltaParams{
			ThreadID: threadID,
			TurnID:   turnID,
			ItemID:   itemID,
			Delta:    "hello\n",
		})
		item.Status = "completed"
		item.AggregatedOutput = "hello\n"
		item.ExitCode = intPtr(0)
	} else {
		item.Status = "declined"
	}
	a.notify(codex.NotifyItemCompleted, &codex.ItemParams{ThreadID: threadID, TurnID: turnID, Item: item})
}

func (a *mockAgent) emitFileChange(threadID, turnID string) {
	itemID := a.nextItemID()
	changes := []codex.FileChange{{
		Path: "main.go",
		Kind: &codex.FileChangeKind{Type: "modify"},
		Diff: "-old line\n+new line\n",
	}}
	a.notify(codex.NotifyItemStarted, &codex.ItemParams{
		ThreadID: threadID,
		TurnID:   turnID,
		Item:     &codex.Item{ID: itemID, Type: "fileChange", Changes: changes},
	})

	decision := a.requestApproval(codex.RequestFileChangeApproval, &codex.FileChangeApprovalParams{
		ThreadID:  threadID,
		TurnID:    turnID,
		ItemID:    itemID,
		Changes:   changes,
		Reasoning: "apply the requested edit",
	})

	item := &codex.Item{ID: itemID, Type: "fileChange", Changes: changes}
	if decision == "accept" || decision == "acceptForSession" {
		item.Status = "completed"
	} else {
		item.Status = "declined"
	}
	a.notify(codex.NotifyItemCompleted, &codex.ItemParams{ThreadID: threadID, TurnID: turnID, Item: item})
}

func (a *mockAgent) emitPlanSequence(threadID, turnID string) {
	a.notify(codex.NotifyTurnPlanUpdated, &codex.TurnPlanUpdatedParams{
		ThreadID: threadID,
		TurnID:   turnID,
		Plan: []codex.PlanStep{
			{Step: "inspect the code", Status: "inProgress"},
			{Step: "apply the fix", Status: "pending"},
		},
	})
	a.notify(codex.NotifyTurnPlanUpdated, &codex.TurnPlanUpdatedParams{
		ThreadID: threadID,
		TurnID:   turnID,
		Plan: []codex.PlanStep{
			{Step: "inspect the code", Status: "completed"},
			{Step: "apply the fix", Status: "inProgress"},
		},
	})
	a.notify(codex.NotifyTurnDiffUpdated, &codex.TurnDiffUpdatedParams{
		ThreadID: threadID,
		TurnID:   turnID,
		Diff:     "--- a/main.go\n+++ b/main.go\n-old line\n+new line\n",
	})
	a.emitAgentMessage(threadID, turnID, "Plan executed.")
}

// requestApproval sends an approval request and blocks until the host
// responds with the matching id. Anything else arriving meanwhile is dropped;
// the mock handles one turn at a time.
func (a *mockAgent) requestApproval(method string, params any) string {
	a.reqCounter++
	reqID := a.reqCounter
	data, _ := json.Marshal(params)
	_ = codex.Encode(a.out, &codex.Request{ID: reqID, Method: method, Params: data})

	for a.scanner.Scan() {
		line := a.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := codex.DecodeMessage(line)
		if err != nil {
			continue
		}
		resp, ok := msg.(*codex.Response)
		if !ok || codex.NormalizeID(resp.ID) != reqID {
			continue
		}
		if resp.Error != nil {
			return "decline"
		}
		var reply codex.ApprovalResponse
		if err := json.Unmarshal(resp.Result, &reply); err != nil {
			return "decline"
		}
		return reply.Decision
	}
	return "decline"
}

// splitChunks breaks text into a few delta-sized pieces so streams exercise
// multi-delta assembly.
func splitChunks(text string) []string {
	const size = 12
	var out []string
	for len(text) > size {
		out = append(out, text[:size])
		text = text[size:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }
