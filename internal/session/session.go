// Package session binds each user to a dedicated agent subprocess and
// workspace. The registry enforces at most one live session per user, fans
// supervisor events out to the event bus, and reaps idle sessions.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cloudcodex/cloudcodex/internal/ir"
	"github.com/cloudcodex/cloudcodex/internal/supervisor"
	"github.com/cloudcodex/cloudcodex/pkg/codex"
)

// State is the session lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateClosed       State = "closed"
)

// Agent is the supervisor surface the session layer depends on. Tests inject
// fakes through AgentFactory.
type Agent interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context) error
	Stop(ctx context.Context) error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(method string, params any) error
	RespondTo(rpcID any, result any, rpcErr *codex.Error) error
	StartThread(ctx context.Context, params *codex.ThreadStartParams) (*codex.ThreadResult, error)
	ResumeThread(ctx context.Context, params *codex.ThreadResumeParams) (*codex.ThreadResult, error)
	StartTurn(ctx context.Context, params *codex.TurnStartParams) (json.RawMessage, error)
	InterruptTurn(ctx context.Context, params *codex.TurnInterruptParams) (json.RawMessage, error)
	Mapper() *ir.Mapper
	Snapshot(threadID string) *ir.RunView
}

// AgentFactory builds the agent for a new session's working directory, wired
// to the given taps.
type AgentFactory func(workingDirectory string, taps supervisor.Taps) Agent

// Session is one user's binding to an agent subprocess and workspace. The
// session exclusively owns its agent; the registry owns the session.
type Session struct {
	ID               string
	UserID           string
	WorkingDirectory string
	CreatedAt        time.Time

	agent Agent

	mu           sync.Mutex
	state        State
	lastActiveAt time.Time
	turnDepth    int
}

// Agent returns the session's agent.
func (s *Session) Agent() Agent {
	return s.agent
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch refreshes the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
}

// LastActiveAt returns the last activity time.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// IdleFor reports whether the session has been inactive longer than timeout
// and is safe to reap (not busy, not already closed).
func (s *Session) IdleFor(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateBusy || s.state == StateClosed {
		return false
	}
	return now.Sub(s.lastActiveAt) > timeout
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// closeIfOpen transitions to closed, reporting whether this call did it.
func (s *Session) closeIfOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	return true
}

// enterTurn marks the session busy for the duration of a turn. Turns can
// overlap across threads, so busyness is a depth count.
func (s *Session) enterTurn() {
	s.mu.Lock()
	s.turnDepth++
	if s.state == StateReady {
		s.state = StateBusy
	}
	s.mu.Unlock()
}

func (s *Session) leaveTurn() {
	s.mu.Lock()
	if s.turnDepth > 0 {
		s.turnDepth--
	}
	if s.turnDepth == 0 && s.state == StateBusy {
		s.state = StateReady
	}
	s.mu.Unlock()
}
