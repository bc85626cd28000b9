package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudcodex/cloudcodex/internal/approval"
	"github.com/cloudcodex/cloudcodex/internal/common/config"
	"github.com/cloudcodex/cloudcodex/internal/common/logger"
	"github.com/cloudcodex/cloudcodex/internal/events"
	"github.com/cloudcodex/cloudcodex/internal/events/bus"
	"github.com/cloudcodex/cloudcodex/internal/ir"
	"github.com/cloudcodex/cloudcodex/internal/supervisor"
	"github.com/cloudcodex/cloudcodex/pkg/codex"
)

type respondCall struct {
	rpcID  any
	result any
}

// fakeAgent satisfies Agent without a subprocess. The factory records the
// taps so tests can drive supervisor callbacks directly.
type fakeAgent struct {
	mapper  *ir.Mapper
	initErr error

	mu        sync.Mutex
	started   bool
	stopped   bool
	responses []respondCall
}

func (f *fakeAgent) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeAgent) Initialize(context.Context) error { return f.initErr }

func (f *fakeAgent) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeAgent) Call(context.Context, string, any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeAgent) Notify(string, any) error { return nil }

func (f *fakeAgent) RespondTo(rpcID any, result any, _ *codex.Error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, respondCall{rpcID: rpcID, result: result})
	return nil
}

func (f *fakeAgent) StartThread(context.Context, *codex.ThreadStartParams) (*codex.ThreadResult, error) {
	return &codex.ThreadResult{Thread: &codex.Thread{ID: "th1"}}, nil
}

func (f *fakeAgent) ResumeThread(context.Context, *codex.ThreadResumeParams) (*codex.ThreadResult, error) {
	return &codex.ThreadResult{Thread: &codex.Thread{ID: "th1"}}, nil
}

func (f *fakeAgent) StartTurn(context.Context, *codex.TurnStartParams) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeAgent) InterruptTurn(context.Context, *codex.TurnInterruptParams) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeAgent) Mapper() *ir.Mapper { return f.mapper }

func (f *fakeAgent) Snapshot(threadID string) *ir.RunView { return f.mapper.Snapshot(threadID) }

func (f *fakeAgent) respondedDecisions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, call := range f.responses {
		if resp, ok := call.result.(*codex.ApprovalResponse); ok {
			out = append(out, resp.Decision)
		}
	}
	return out
}

type testHarness struct {
	registry *Registry
	bus      *bus.MemoryEventBus
	auditor  *approval.MemoryAuditor

	mu          sync.Mutex
	agents      []*fakeAgent
	taps        []supervisor.Taps
	nextInitErr error
}

func (h *testHarness) setNextInitErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextInitErr = err
}

func (h *testHarness) lastAgent() *fakeAgent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agents[len(h.agents)-1]
}

func (h *testHarness) lastTaps() supervisor.Taps {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.taps[len(h.taps)-1]
}

func newHarness(t *testing.T, mutate func(*config.Config)) *testHarness {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", OutputPath: "stderr"})
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Workspace.Root = t.TempDir()
	cfg.Session.IdleTimeoutMs = 1_800_000
	cfg.Session.SweepIntervalMs = 60_000
	cfg.Approval.TimeoutMs = 300_000
	cfg.Approval.DefaultAction = "decline"
	if mutate != nil {
		mutate(cfg)
	}

	h := &testHarness{
		bus:     bus.NewMemoryEventBus(log),
		auditor: approval.NewMemoryAuditor(),
	}

	broker := approval.NewBroker(cfg.Approval, h.auditor, log)
	factory := func(workingDirectory string, taps supervisor.Taps) Agent {
		h.mu.Lock()
		agent := &fakeAgent{mapper: ir.NewMapper(), initErr: h.nextInitErr}
		h.nextInitErr = nil
		h.agents = append(h.agents, agent)
		h.taps = append(h.taps, taps)
		h.mu.Unlock()
		return agent
	}
	h.registry = NewRegistry(cfg, h.bus, broker, factory, log)
	t.Cleanup(func() { h.bus.Close() })
	return h
}

func collectEvents(t *testing.T, b *bus.MemoryEventBus, subject string) <-chan *bus.Event {
	t.Helper()
	ch := make(chan *bus.Event, 16)
	_, err := b.Subscribe(subject, func(_ context.Context, e *bus.Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)
	return ch
}

func TestRegistryGetOrCreate(t *testing.T) {
	h := newHarness(t, nil)

	sess, err := h.registry.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StateReady, sess.State())
	assert.DirExists(t, sess.WorkingDirectory)
	assert.True(t, h.lastAgent().started)

	again, err := h.registry.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Same(t, sess, again, "one live session per user")
	assert.Equal(t, 1, h.registry.Count())
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	h := newHarness(t, nil)

	const n = 16
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := h.registry.GetOrCreate(context.Background(), "u1")
			require.NoError(t, err)
			sessions[i] = sess
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, sessions[0].ID, sessions[i].ID)
	}
	assert.Equal(t, 1, h.registry.Count())
}

func TestRegistryHandshakeFailureNotRetained(t *testing.T) {
	h := newHarness(t, nil)

	h.setNextInitErr(errors.New("agent handshake refused"))
	_, err := h.registry.GetOrCreate(context.Background(), "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake")
	assert.Equal(t, 0, h.registry.Count())
	assert.True(t, h.lastAgent().stopped, "failed session must stop its agent")

	// a later attempt gets a fresh try
	sess, err := h.registry.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StateReady, sess.State())
}

func TestRegistryEventFanOutAndBusyTracking(t *testing.T) {
	h := newHarness(t, nil)

	sess, err := h.registry.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	eventCh := collectEvents(t, h.bus, events.BuildSessionEventWildcardSubject())

	taps := h.lastTaps()
	taps.OnEvent(&ir.RawEvent{
		ID: "evt-1", TS: 100, ThreadID: "th1", TurnID: "tu1",
		Type: codex.NotifyTurnStarted, Payload: map[string]any{},
	})
	assert.Equal(t, StateBusy, sess.State())

	select {
	case e := <-eventCh:
		assert.Equal(t, events.SessionEvent, e.Type)
		assert.Equal(t, sess.ID, e.Data["sessionId"])
		assert.Equal(t, "u1", e.Data["userId"])
		assert.Equal(t, codex.NotifyTurnStarted, e.Data["method"])
	case <-time.After(time.Second):
		t.Fatal("expected a session event on the bus")
	}

	taps.OnEvent(&ir.RawEvent{
		ID: "evt-2", TS: 200, ThreadID: "th1", TurnID: "tu1",
		Type: codex.NotifyTurnCompleted, Payload: map[string]any{},
	})
	assert.Equal(t, StateReady, sess.State())
}

func TestRegistryAutoApprovalReachesAgent(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.registry.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)

	taps := h.lastTaps()
	agent := h.lastAgent()

	// the supervisor folds the pending step in before the broker runs
	agent.mapper.Consume(&ir.RawEvent{
		ID: "evt-1", TS: 100, ThreadID: "th1", TurnID: "tu1",
		Type:    codex.RequestCmdExecApproval,
		Payload: map[string]any{"itemId": "i1", "command": "ls -la", "cwd": "/home/u"},
	})

	approvalID := taps.OnRequest(&supervisor.AgentRequest{
		RPCID:    int64(7),
		Method:   codex.RequestCmdExecApproval,
		Params:   map[string]any{"command": "ls -la", "cwd": "/home/u", "itemId": "i1"},
		ThreadID: "th1",
		ItemID:   "i1",
	})
	require.NotEmpty(t, approvalID)

	assert.Equal(t, []string{"accept"}, agent.respondedDecisions())

	// the synchronous policy resolution is already visible in the run view
	step := agent.Snapshot("th1").Step("i1")
	require.NotNil(t, step)
	require.NotNil(t, step.Approval)
	assert.Equal(t, ir.ApprovalAccepted, step.Approval.Status)
	assert.Equal(t, ir.StepInProgress, step.Status)

	records, err := h.auditor.ByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "policy_engine", records[0].Approver)
}

func TestRegistryManualApprovalRoundTrip(t *testing.T) {
	h := newHarness(t, nil)

	sess, err := h.registry.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	promptCh := collectEvents(t, h.bus, events.BuildSessionApprovalWildcardSubject())
	irCh := collectEvents(t, h.bus, events.BuildSessionIRWildcardSubject())

	taps := h.lastTaps()
	agent := h.lastAgent()

	// the supervisor folds the pending step in before the broker runs, and
	// attaches the broker-issued id once OnRequest returns
	agent.mapper.Consume(&ir.RawEvent{
		ID: "evt-1", TS: 100, ThreadID: "th1", TurnID: "tu1",
		Type:    codex.RequestCmdExecApproval,
		Payload: map[string]any{"itemId": "i1", "command": "rm -rf build"},
	})

	approvalID := taps.OnRequest(&supervisor.AgentRequest{
		RPCID:    int64(9),
		Method:   codex.RequestCmdExecApproval,
		Params:   map[string]any{"command": "rm -rf build", "cwd": "/home/u", "itemId": "i1"},
		ThreadID: "th1",
		TurnID:   "tu1",
		ItemID:   "i1",
	})
	require.NotEmpty(t, approvalID)
	assert.Empty(t, agent.respondedDecisions(), "manual approval must wait for the user")
	agent.mapper.SetApprovalID("th1", "i1", approvalID)

	select {
	case e := <-promptCh:
		assert.Equal(t, events.SessionApproval, e.Type)
		prompt := e.Data["prompt"].(*approval.ClientPrompt)
		assert.Equal(t, approvalID, prompt.ApprovalID)
		assert.Equal(t, "rm -rf build", prompt.Command)
	case <-time.After(time.Second):
		t.Fatal("expected an approval prompt on the bus")
	}

	require.NoError(t, h.registry.RespondApproval(context.Background(), sess.ID, approvalID, "decline", nil))
	assert.Equal(t, []string{"decline"}, agent.respondedDecisions())

	// the resolution is mirrored into the run view and republished
	select {
	case e := <-irCh:
		run := e.Data["run"].(*ir.RunView)
		step := run.Step("i1")
		require.NotNil(t, step)
		assert.Equal(t, ir.ApprovalDeclined, step.Approval.Status)
		assert.Equal(t, ir.StepDeclined, step.Status)
		assert.Equal(t, approvalID, step.Approval.ApprovalID)
		require.NotNil(t, step.TSEnd)
	case <-time.After(time.Second):
		t.Fatal("expected a run update on the bus")
	}

	// unknown session is rejected before reaching the broker
	err = h.registry.RespondApproval(context.Background(), "nope", approvalID, "accept", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryProcessErrorSynthesizesNote(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.registry.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	errCh := collectEvents(t, h.bus, events.BuildSessionErrorWildcardSubject())

	taps := h.lastTaps()
	taps.OnProcessError(&supervisor.ProcessError{
		Summary:  "请求超时",
		Details:  "request timeout after 60s",
		Source:   supervisor.SourceStderr,
		TS:       500,
		ThreadID: "th1",
	})

	select {
	case e := <-errCh:
		assert.Equal(t, "请求超时", e.Data["summary"])
		assert.Equal(t, supervisor.SourceStderr, e.Data["source"])
	case <-time.After(time.Second):
		t.Fatal("expected an error event on the bus")
	}

	run := h.lastAgent().Snapshot("th1")
	require.NotNil(t, run)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, ir.KindSystemNote, run.Steps[0].Kind)
	assert.Equal(t, "请求超时", run.Steps[0].Meta["text"])
}

func TestRegistryIdleSweep(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Session.IdleTimeoutMs = 60_000
	})

	idleSess, err := h.registry.GetOrCreate(context.Background(), "idle-user")
	require.NoError(t, err)
	busySess, err := h.registry.GetOrCreate(context.Background(), "busy-user")
	require.NoError(t, err)

	past := time.Now().Add(-10 * time.Minute)
	for _, sess := range []*Session{idleSess, busySess} {
		sess.mu.Lock()
		sess.lastActiveAt = past
		sess.mu.Unlock()
	}
	busySess.enterTurn()

	destroyed := h.registry.sweepIdle(time.Now())
	assert.Equal(t, []string{idleSess.ID}, destroyed)
	assert.Equal(t, 1, h.registry.Count())
	assert.NoDirExists(t, idleSess.WorkingDirectory)
	assert.DirExists(t, busySess.WorkingDirectory)
}

func TestRegistryDestroy(t *testing.T) {
	h := newHarness(t, nil)

	sess, err := h.registry.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	exitCh := collectEvents(t, h.bus, events.BuildSessionExitWildcardSubject())

	require.NoError(t, h.registry.Destroy(context.Background(), sess.ID))
	assert.Equal(t, StateClosed, sess.State())
	assert.True(t, h.lastAgent().stopped)
	assert.NoDirExists(t, sess.WorkingDirectory)
	assert.Equal(t, 0, h.registry.Count())

	select {
	case e := <-exitCh:
		assert.Equal(t, events.SessionExit, e.Type)
		assert.Equal(t, "destroyed", e.Data["reason"])
	case <-time.After(time.Second):
		t.Fatal("expected an exit event on the bus")
	}

	// destroying again is a no-op
	require.NoError(t, h.registry.Destroy(context.Background(), sess.ID))
}

func TestRegistryAgentExitClosesSession(t *testing.T) {
	h := newHarness(t, nil)

	sess, err := h.registry.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	exitCh := collectEvents(t, h.bus, events.BuildSessionExitWildcardSubject())

	// park a manual approval so exit handling fails it
	taps := h.lastTaps()
	taps.OnRequest(&supervisor.AgentRequest{
		RPCID:  int64(4),
		Method: codex.RequestCmdExecApproval,
		Params: map[string]any{"command": "make deploy", "itemId": "i1"},
		ItemID: "i1",
	})

	taps.OnExit(1, errors.New("exit status 1"))

	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, 0, h.registry.Count())
	// workspace survives an unexpected exit
	assert.DirExists(t, sess.WorkingDirectory)

	select {
	case e := <-exitCh:
		assert.Equal(t, "agent exited", e.Data["reason"])
	case <-time.After(time.Second):
		t.Fatal("expected an exit event on the bus")
	}

	records, err := h.auditor.ByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "timeout", records[0].Decision)
	assert.Equal(t, "session closed", records[0].Reason)

	// the user can get a fresh session afterwards
	fresh, err := h.registry.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, fresh.ID)
}

func TestRegistryCloseDestroysAll(t *testing.T) {
	h := newHarness(t, nil)

	s1, err := h.registry.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	s2, err := h.registry.GetOrCreate(context.Background(), "u2")
	require.NoError(t, err)

	h.registry.Close(context.Background())
	assert.Equal(t, 0, h.registry.Count())
	assert.Equal(t, StateClosed, s1.State())
	assert.Equal(t, StateClosed, s2.State())

	_, statErr := os.Stat(s1.WorkingDirectory)
	assert.True(t, os.IsNotExist(statErr))
}
