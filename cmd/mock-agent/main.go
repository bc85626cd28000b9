// Package main implements a mock Codex agent binary that speaks the
// app-server protocol (line-framed JSON-RPC without the version header) over
// stdin/stdout. It generates simulated thread activity for development and
// e2e gateway tests, so the gateway can run without a real Codex install.
//
// Point the gateway at it with:
//
//	CLOUDCODEX_AGENT_COMMAND=mock-agent CLOUDCODEX_AGENT_ARGS=""
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cloudcodex/cloudcodex/pkg/codex"
)

func main() {
	agent := newMockAgent(os.Stdin, os.Stdout)
	if err := agent.run(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

// mockAgent is one process instance. Each session spawns its own process, so
// counters only need to be unique within it.
type mockAgent struct {
	scanner *bufio.Scanner
	out     io.Writer

	threadCounter int
	turnCounter   int
	itemCounter   int
	reqCounter    int64
}

func newMockAgent(in io.Reader, out io.Writer) *mockAgent {
	scanner := bufio.NewScanner(in)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)
	return &mockAgent{scanner: scanner, out: out}
}

func (a *mockAgent) run() error {
	for a.scanner.Scan() {
		line := a.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := codex.DecodeMessage(line)
		if err != nil {
			continue
		}
		if req, ok := msg.(*codex.Request); ok {
			a.handleRequest(req)
		}
		// notifications (initialized) and stray responses need no action here
	}
	return a.scanner.Err()
}

func (a *mockAgent) handleRequest(req *codex.Request) {
	switch req.Method {
	case codex.MethodInitialize:
		a.respond(req.ID, &codex.InitializeResult{UserAgent: "mock-codex/1.0"})

	case codex.MethodThreadStart:
		a.threadCounter++
		threadID := fmt.Sprintf("mock-thread-%d-%d", os.Getpid(), a.threadCounter)
		a.respond(req.ID, &codex.ThreadResult{Thread: &codex.Thread{ID: threadID}})
		a.notify(codex.NotifyThreadStarted, map[string]any{
			"threadId": threadID,
			"thread":   map[string]any{"id": threadID},
		})

	case codex.MethodThreadResume:
		var params codex.ThreadResumeParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ThreadID == "" {
			a.respondError(req.ID, codex.InvalidParams, "threadId is required")
			return
		}
		a.respond(req.ID, &codex.ThreadResult{Thread: &codex.Thread{ID: params.ThreadID}})
		a.notify(codex.NotifyThreadStarted, map[string]any{
			"threadId": params.ThreadID,
			"thread":   map[string]any{"id": params.ThreadID},
		})

	case codex.MethodTurnStart:
		var params codex.TurnStartParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ThreadID == "" {
			a.respondError(req.ID, codex.InvalidParams, "threadId is required")
			return
		}
		a.turnCounter++
		turnID := fmt.Sprintf("mock-turn-%d", a.turnCounter)
		a.respond(req.ID, &codex.TurnResult{
			Turn: &codex.Turn{ID: turnID, ThreadID: params.ThreadID, Status: "inProgress"},
		})
		a.runTurn(params.ThreadID, turnID, promptText(params.Input))

	case codex.MethodTurnInterrupt:
		var params codex.TurnInterruptParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ThreadID == "" {
			a.respondError(req.ID, codex.InvalidParams, "threadId is required")
			return
		}
		a.respond(req.ID, map[string]any{})
		a.notify(codex.NotifyTurnCompleted, &codex.TurnCompletedParams{
			ThreadID: params.ThreadID,
			TurnID:   params.TurnID,
			Status:   "interrupted",
		})

	default:
		a.respondError(req.ID, codex.MethodNotFound, "unknown method: "+req.Method)
	}
}

func (a *mockAgent) respond(id any, result any) {
	data, _ := json.Marshal(result)
	_ = codex.Encode(a.out, &codex.Response{ID: id, Result: data})
}

func (a *mockAgent) respondError(id any, code int, message string) {
	_ = codex.Encode(a.out, &codex.Response{ID: id, Error: &codex.Error{Code: code, Message: message}})
}

func (a *mockAgent) notify(method string, params any) {
	data, _ := json.Marshal(params)
	_ = codex.Encode(a.out, &codex.Notification{Method: method, Params: data})
}

func (a *mockAgent) nextItemID() string {
	a.itemCounter++
	return fmt.Sprintf("mock-item-%04d", a.itemCounter)
}

// promptText concatenates the text elements of the turn input.
func promptText(input []codex.UserInput) string {
	var text string
	for _, item := range input {
		if item.Type == "text" {
			if text != "" {
				text += " "
			}
			text += item.Text
		}
	}
	return text
}
