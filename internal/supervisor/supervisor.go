// Package supervisor owns one agent subprocess: it spawns the process, is the
// sole reader/writer of its stdio, correlates outgoing JSON-RPC requests with
// responses, and feeds every incoming frame into the run-view mapper.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cloudcodex/cloudcodex/internal/common/logger"
	"github.com/cloudcodex/cloudcodex/internal/ir"
	"github.com/cloudcodex/cloudcodex/pkg/codex"
)

const defaultRequestTimeout = 60 * time.Second

// AgentRequest is an agent-initiated request surfaced on the tap. The broker
// must eventually produce a response echoing RPCID.
type AgentRequest struct {
	RPCID    any
	Method   string
	Params   map[string]any
	ThreadID string
	TurnID   string
	ItemID   string
}

// Taps is the capability set a subscriber registers on the supervisor. All
// callbacks are invoked from the supervisor's read goroutines; handlers must
// not block.
type Taps struct {
	// OnEvent fires for every incoming notification and request.
	OnEvent func(*ir.RawEvent)
	// OnRequest fires for approval requests, after the originating event has
	// been folded into the run view, and returns the broker-generated
	// approvalId, which the supervisor attaches to the step's approval.
	// Returning "" declines the request.
	OnRequest func(*AgentRequest) string
	// OnRunUpdate fires with a detached run-view snapshot after an event
	// changed it.
	OnRunUpdate func(*ir.RunView)
	// OnProcessError fires for stderr output, error responses, and abnormal
	// exits.
	OnProcessError func(*ProcessError)
	// OnExit fires once when the subprocess exits.
	OnExit func(exitCode int, err error)
}

// Options configures a supervisor.
type Options struct {
	Command          string
	Args             []string
	Env              []string
	WorkingDirectory string
	RequestTimeout   time.Duration
	ClientName       string
	ClientVersion    string
}

// Supervisor manages one agent subprocess and its line-framed JSON-RPC
// traffic.
type Supervisor struct {
	opts   Options
	taps   Taps
	log    *logger.Logger
	mapper *ir.Mapper

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	requestID atomic.Int64
	eventID   atomic.Int64

	writeMu sync.Mutex

	mu           sync.Mutex
	pending      map[int64]chan *codex.Response
	started      bool
	closed       bool
	lastThreadID string
	lastTurnID   string

	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a supervisor. Start must be called before any traffic.
func New(opts Options, taps Taps, log *logger.Logger) *Supervisor {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Supervisor{
		opts:    opts,
		taps:    taps,
		log:     log.WithFields(zap.String("component", "supervisor")),
		mapper:  ir.NewMapper(),
		pending: make(map[int64]chan *codex.Response),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Mapper returns the supervisor's run-view mapper.
func (s *Supervisor) Mapper() *ir.Mapper {
	return s.mapper
}

// Snapshot returns a detached run view for a thread, or nil.
func (s *Supervisor) Snapshot(threadID string) *ir.RunView {
	return s.mapper.Snapshot(threadID)
}

// Start spawns the agent in the configured working directory and begins
// reading its stdio. It returns once the process is running; the initialize
// handshake is a separate step.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	if s.opts.Command == "" {
		return fmt.Errorf("no agent command configured")
	}

	// Plain exec.Command: the caller's context must not kill the agent when
	// the creating request completes.
	cmd := exec.Command(s.opts.Command, s.opts.Args...)
	cmd.Dir = s.opts.WorkingDirectory
	cmd.Env = append(os.Environ(), s.opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	s.cmd = cmd
	s.attachLocked(stdin, stdout, stderr)

	s.wg.Add(1)
	go s.waitForExit()

	s.log.Info("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("cwd", s.opts.WorkingDirectory))
	return nil
}

// attachLocked wires the stdio streams and starts the read loops. Tests use
// attach directly with in-memory pipes instead of a real process.
func (s *Supervisor) attachLocked(stdin io.WriteCloser, stdout, stderr io.Reader) {
	s.stdin = stdin
	s.stdout = stdout
	s.stderr = stderr
	s.started = true

	s.wg.Add(1)
	go s.readLoop()
	if stderr != nil {
		s.wg.Add(1)
		go s.readStderr()
	}
}

func (s *Supervisor) attach(stdin io.WriteCloser, stdout, stderr io.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachLocked(stdin, stdout, stderr)
}

// Initialize performs the initialize/initialized handshake. Completion gates
// user traffic.
func (s *Supervisor) Initialize(ctx context.Context) error {
	params := &codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{
			Name:    s.opts.ClientName,
			Version: s.opts.ClientVersion,
		},
	}
	if _, err := s.Call(ctx, codex.MethodInitialize, params); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if err := s.Notify(codex.MethodInitialized, struct{}{}); err != nil {
		return fmt.Errorf("initialized notification failed: %w", err)
	}
	return nil
}

// Stop terminates the subprocess and transitions to closed. Double-close is a
// no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		stdin := s.stdin
		s.mu.Unlock()

		close(s.done)
		if stdin != nil {
			stdin.Close()
		}

		if s.cmd == nil {
			return
		}

		select {
		case <-s.exited:
			s.log.Info("agent process stopped gracefully")
		case <-time.After(5 * time.Second):
			s.log.Warn("force killing agent process")
			if s.cmd.Process != nil {
				s.cmd.Process.Kill()
			}
		case <-ctx.Done():
			if s.cmd.Process != nil {
				s.cmd.Process.Kill()
			}
		}
	})
	return nil
}

// Call sends a request and waits for the matching response, the configured
// deadline, or process exit. Late responses after a deadline are dropped
// silently by the read loop.
func (s *Supervisor) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if !s.started {
		s.mu.Unlock()
		return nil, ErrNotStarted
	}
	id := s.requestID.Add(1)
	ch := make(chan *codex.Response, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	paramsJSON, err := marshalParams(params)
	if err != nil {
		s.take(id)
		return nil, err
	}

	if err := s.send(&codex.Request{ID: id, Method: method, Params: paramsJSON}); err != nil {
		s.take(id)
		return nil, err
	}

	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			// waiter closed by exit handling
			return nil, ErrAgentExited
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", ClassifyError(resp.Error.Message), resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		s.take(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, s.opts.RequestTimeout)
	case <-ctx.Done():
		s.take(id)
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	case <-s.exited:
		return nil, ErrAgentExited
	}
}

// Notify sends a fire-and-forget notification.
func (s *Supervisor) Notify(method string, params any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.mu.Unlock()

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	return s.send(&codex.Notification{Method: method, Params: paramsJSON})
}

// RespondTo sends a response for an agent-initiated request, echoing the
// original rpcId.
func (s *Supervisor) RespondTo(rpcID any, result any, rpcErr *codex.Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return s.send(&codex.Response{ID: rpcID, Result: resultJSON, Error: rpcErr})
}

// StartThread starts a new agent thread.
func (s *Supervisor) StartThread(ctx context.Context, params *codex.ThreadStartParams) (*codex.ThreadResult, error) {
	result, err := s.Call(ctx, codex.MethodThreadStart, params)
	if err != nil {
		return nil, err
	}
	var out codex.ThreadResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("failed to parse thread/start result: %w", err)
	}
	return &out, nil
}

// ResumeThread resumes an existing agent thread.
func (s *Supervisor) ResumeThread(ctx context.Context, params *codex.ThreadResumeParams) (*codex.ThreadResult, error) {
	result, err := s.Call(ctx, codex.MethodThreadResume, params)
	if err != nil {
		return nil, err
	}
	var out codex.ThreadResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("failed to parse thread/resume result: %w", err)
	}
	return &out, nil
}

// StartTurn starts a turn on a thread.
func (s *Supervisor) StartTurn(ctx context.Context, params *codex.TurnStartParams) (json.RawMessage, error) {
	return s.Call(ctx, codex.MethodTurnStart, params)
}

// InterruptTurn interrupts the active turn of a thread.
func (s *Supervisor) InterruptTurn(ctx context.Context, params *codex.TurnInterruptParams) (json.RawMessage, error) {
	return s.Call(ctx, codex.MethodTurnInterrupt, params)
}

func (s *Supervisor) send(msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdin == nil {
		return ErrNotStarted
	}
	if err := codex.Encode(s.stdin, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// take removes and returns the waiter for an rpc id, or nil.
func (s *Supervisor) take(id int64) chan *codex.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.pending[id]
	delete(s.pending, id)
	return ch
}

func (s *Supervisor) readLoop() {
	defer s.wg.Done()

	scanner := bufio.NewScanner(s.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-s.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := codex.DecodeMessage(line)
		if err != nil {
			s.log.Warn("dropping malformed line", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case *codex.Response:
			s.handleResponse(m)
		case *codex.Request:
			s.handleRequest(m)
		case *codex.Notification:
			s.handleNotification(m)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.log.Debug("read loop ended", zap.Error(err))
	}
}

func (s *Supervisor) handleResponse(resp *codex.Response) {
	if resp.Error != nil {
		s.emitProcessError(&ProcessError{
			Summary: ClassifyError(resp.Error.Message),
			Details: resp.Error.Message,
			Source:  SourceResponse,
			TS:      time.Now().UnixMilli(),
		})
	}

	id, ok := codex.NormalizeID(resp.ID).(int64)
	if !ok {
		s.log.Warn("response with non-numeric id", zap.Any("id", resp.ID))
		return
	}
	ch := s.take(id)
	if ch == nil {
		// late response after timeout, or never ours
		s.log.Debug("dropping response for unknown request", zap.Int64("id", id))
		return
	}
	ch <- resp
}

func (s *Supervisor) handleNotification(n *codex.Notification) {
	ev := s.buildRawEvent(n.Method, n.Params, nil)
	s.dispatchEvent(ev)
}

func (s *Supervisor) handleRequest(req *codex.Request) {
	payload := decodeParams(req.Params)

	switch req.Method {
	case codex.RequestCmdExecApproval, codex.RequestFileChangeApproval:
		ev := s.buildRawEvent(req.Method, req.Params, req.ID)

		// The step must exist before the broker sees the request: policy
		// auto-resolutions land synchronously inside OnRequest and write back
		// through the mapper.
		s.dispatchEvent(ev)

		agentReq := &AgentRequest{
			RPCID:    req.ID,
			Method:   req.Method,
			Params:   payload,
			ThreadID: ev.ThreadID,
			TurnID:   ev.TurnID,
			ItemID:   stringValue(payload, "itemId"),
		}

		approvalID := ""
		if s.taps.OnRequest != nil {
			approvalID = s.taps.OnRequest(agentReq)
		}
		if approvalID == "" {
			// nobody brokering: decline rather than leave the agent hanging
			s.log.Warn("no approval broker attached, declining",
				zap.String("method", req.Method))
			if err := s.RespondTo(req.ID, &codex.ApprovalResponse{Decision: "decline"}, nil); err != nil {
				s.log.Error("failed to decline approval", zap.Error(err))
			}
			s.emitRunUpdate(s.mapper.SetApprovalStatus(ev.ThreadID, agentReq.ItemID, ir.ApprovalDeclined, time.Now().UnixMilli()))
			return
		}

		s.emitRunUpdate(s.mapper.SetApprovalID(ev.ThreadID, agentReq.ItemID, approvalID))

	default:
		s.log.Warn("unhandled agent request", zap.String("method", req.Method))
		rpcErr := &codex.Error{Code: codex.MethodNotFound, Message: "Method not found"}
		if err := s.RespondTo(req.ID, nil, rpcErr); err != nil {
			s.log.Error("failed to reject request", zap.Error(err))
		}
		// still visible in the raw log
		s.dispatchEvent(s.buildRawEvent(req.Method, req.Params, req.ID))
	}
}

// dispatchEvent fans one raw event out to the event tap, the mapper, and the
// run-update tap.
func (s *Supervisor) dispatchEvent(ev *ir.RawEvent) {
	if s.taps.OnEvent != nil {
		s.taps.OnEvent(ev)
	}
	s.emitRunUpdate(s.mapper.Consume(ev))
}

// emitRunUpdate forwards a mapper snapshot to the run-update tap.
func (s *Supervisor) emitRunUpdate(run *ir.RunView) {
	if run != nil && s.taps.OnRunUpdate != nil {
		s.taps.OnRunUpdate(run)
	}
}

// buildRawEvent stamps an incoming frame with a fresh event id and timestamp
// and resolves thread/turn ids, inheriting the last seen values when the
// payload has none.
func (s *Supervisor) buildRawEvent(method string, params json.RawMessage, rpcID any) *ir.RawEvent {
	payload := decodeParams(params)

	threadID := ir.ExtractThreadID(payload)
	turnID := ir.ExtractTurnID(payload)

	s.mu.Lock()
	if threadID == "" {
		threadID = s.lastThreadID
	} else {
		s.lastThreadID = threadID
	}
	if turnID == "" {
		turnID = s.lastTurnID
	} else {
		s.lastTurnID = turnID
	}
	s.mu.Unlock()

	return &ir.RawEvent{
		ID:       fmt.Sprintf("evt-%d", s.eventID.Add(1)),
		TS:       time.Now().UnixMilli(),
		ThreadID: threadID,
		TurnID:   turnID,
		Type:     method,
		Payload:  payload,
		RPCID:    rpcID,
	}
}

func (s *Supervisor) readStderr() {
	defer s.wg.Done()

	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.log.Warn("agent stderr", zap.String("line", line))

		s.mu.Lock()
		threadID, turnID := s.lastThreadID, s.lastTurnID
		s.mu.Unlock()

		s.emitProcessError(&ProcessError{
			Summary:  ClassifyError(line),
			Details:  line,
			Source:   SourceStderr,
			TS:       time.Now().UnixMilli(),
			ThreadID: threadID,
			TurnID:   turnID,
		})
	}
}

func (s *Supervisor) waitForExit() {
	defer s.wg.Done()

	err := s.cmd.Wait()
	close(s.exited)

	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	// reject everything still in flight
	s.mu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		close(ch)
	}
	s.mu.Unlock()

	if err != nil {
		details := fmt.Sprintf("agent exited with code %d: %v", exitCode, err)
		s.emitProcessError(&ProcessError{
			Summary: ClassifyError(details),
			Details: details,
			Source:  SourceExit,
			TS:      time.Now().UnixMilli(),
		})
		s.log.Warn("agent process exited", zap.Int("exit_code", exitCode), zap.Error(err))
	} else {
		s.log.Info("agent process exited cleanly")
	}

	if s.taps.OnExit != nil {
		s.taps.OnExit(exitCode, err)
	}
}

func (s *Supervisor) emitProcessError(perr *ProcessError) {
	if s.taps.OnProcessError != nil {
		s.taps.OnProcessError(perr)
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return data, nil
}

func decodeParams(params json.RawMessage) map[string]any {
	payload := map[string]any{}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &payload)
	}
	return payload
}

func stringValue(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
