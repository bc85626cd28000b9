package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cloudcodex/cloudcodex/internal/approval"
	"github.com/cloudcodex/cloudcodex/internal/common/config"
	"github.com/cloudcodex/cloudcodex/internal/common/logger"
	"github.com/cloudcodex/cloudcodex/internal/events"
	"github.com/cloudcodex/cloudcodex/internal/events/bus"
	"github.com/cloudcodex/cloudcodex/internal/ir"
	"github.com/cloudcodex/cloudcodex/internal/supervisor"
	"github.com/cloudcodex/cloudcodex/pkg/codex"
)

// ErrSessionNotFound is returned when a sessionId has no live entry.
var ErrSessionNotFound = fmt.Errorf("session not found")

// Registry maintains at most one live session per user and wires each
// session's supervisor taps to the event bus and the approval broker.
type Registry struct {
	cfg     *config.Config
	log     *logger.Logger
	bus     bus.EventBus
	broker  *approval.Broker
	factory AgentFactory

	group singleflight.Group

	mu     sync.RWMutex
	byUser map[string]*Session
	byID   map[string]*Session

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// DefaultAgentFactory spawns real supervisors from the agent configuration.
func DefaultAgentFactory(cfg *config.Config, log *logger.Logger) AgentFactory {
	return func(workingDirectory string, taps supervisor.Taps) Agent {
		return supervisor.New(supervisor.Options{
			Command:          cfg.Agent.Command,
			Args:             cfg.Agent.Args,
			Env:              cfg.Agent.Env,
			WorkingDirectory: workingDirectory,
			RequestTimeout:   cfg.Agent.RequestTimeout(),
			ClientName:       "cloudcodex",
			ClientVersion:    "1.0.0",
		}, taps, log)
	}
}

// NewRegistry creates a registry. The broker's resolution hook is claimed by
// the registry so approval outcomes reach run views and clients.
func NewRegistry(cfg *config.Config, eventBus bus.EventBus, broker *approval.Broker, factory AgentFactory, log *logger.Logger) *Registry {
	r := &Registry{
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "session-registry")),
		bus:       eventBus,
		broker:    broker,
		factory:   factory,
		byUser:    make(map[string]*Session),
		byID:      make(map[string]*Session),
		sweepStop: make(chan struct{}),
	}
	broker.SetResolvedHook(r.onApprovalResolved)
	return r
}

// GetOrCreate returns the user's live session, creating one if needed.
// Concurrent calls for the same user collapse onto a single creation.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	if sess := r.activeForUser(userID); sess != nil {
		sess.Touch()
		return sess, nil
	}

	v, err, _ := r.group.Do(userID, func() (any, error) {
		if sess := r.activeForUser(userID); sess != nil {
			return sess, nil
		}
		return r.create(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Get returns a session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byID[sessionID]
	return sess, ok
}

// GetByUser returns the user's live session, if any.
func (r *Registry) GetByUser(userID string) (*Session, bool) {
	sess := r.activeForUser(userID)
	return sess, sess != nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Destroy stops a session's agent, fails its pending approvals, and removes
// its workspace directory. Unknown ids are a no-op.
func (r *Registry) Destroy(ctx context.Context, sessionID string) error {
	sess := r.remove(sessionID)
	if sess == nil {
		return nil
	}
	if !sess.closeIfOpen() {
		return nil
	}

	r.log.Info("destroying session",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID))

	if err := sess.agent.Stop(ctx); err != nil {
		r.log.Warn("failed to stop agent", zap.String("session_id", sess.ID), zap.Error(err))
	}
	r.broker.FailSession(ctx, sess.ID)

	if err := os.RemoveAll(sess.WorkingDirectory); err != nil {
		r.log.Warn("failed to remove workspace",
			zap.String("path", sess.WorkingDirectory),
			zap.Error(err))
	}

	r.publish(events.BuildSessionExitSubject(sess.ID), events.SessionExit, map[string]any{
		"sessionId": sess.ID,
		"userId":    sess.UserID,
		"reason":    "destroyed",
	})
	return nil
}

// RespondApproval carries a client decision to the broker.
func (r *Registry) RespondApproval(ctx context.Context, sessionID, approvalID, decision string, acceptSettings any) error {
	if _, ok := r.Get(sessionID); !ok {
		return ErrSessionNotFound
	}
	return r.broker.Respond(ctx, sessionID, approvalID, approval.Decision(decision), acceptSettings)
}

// StartSweeper begins the periodic idle sweep.
func (r *Registry) StartSweeper() {
	go func() {
		ticker := time.NewTicker(r.cfg.Session.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweepIdle(time.Now())
			case <-r.sweepStop:
				return
			}
		}
	}()
}

// Close stops the sweeper and destroys all sessions.
func (r *Registry) Close(ctx context.Context) {
	r.sweepOnce.Do(func() { close(r.sweepStop) })

	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Destroy(ctx, id); err != nil {
			r.log.Warn("failed to destroy session during shutdown", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// sweepIdle destroys sessions idle past the configured timeout. Busy sessions
// are skipped. Returns the destroyed session ids.
func (r *Registry) sweepIdle(now time.Time) []string {
	timeout := r.cfg.Session.IdleTimeout()

	r.mu.RLock()
	var idle []string
	for id, sess := range r.byID {
		if sess.IdleFor(now, timeout) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		r.log.Info("reaping idle session", zap.String("session_id", id))
		if err := r.Destroy(context.Background(), id); err != nil {
			r.log.Warn("failed to reap session", zap.String("session_id", id), zap.Error(err))
		}
	}
	return idle
}

func (r *Registry) activeForUser(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess := r.byUser[userID]
	if sess == nil || sess.State() == StateClosed {
		return nil
	}
	return sess
}

func (r *Registry) create(ctx context.Context, userID string) (*Session, error) {
	workingDirectory := filepath.Join(r.cfg.Workspace.Root, userID)
	if err := os.MkdirAll(workingDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:               uuid.New().String(),
		UserID:           userID,
		WorkingDirectory: workingDirectory,
		CreatedAt:        now,
		state:            StateInitializing,
		lastActiveAt:     now,
	}
	sess.agent = r.factory(workingDirectory, r.tapsFor(sess))

	if err := sess.agent.Start(ctx); err != nil {
		sess.setState(StateClosed)
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	if err := sess.agent.Initialize(ctx); err != nil {
		_ = sess.agent.Stop(ctx)
		sess.setState(StateClosed)
		return nil, fmt.Errorf("agent handshake failed: %w", err)
	}
	sess.setState(StateReady)

	r.mu.Lock()
	r.byUser[userID] = sess
	r.byID[sess.ID] = sess
	r.mu.Unlock()

	r.log.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
		zap.String("workspace", workingDirectory))
	return sess, nil
}

func (r *Registry) remove(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byID[sessionID]
	if !ok {
		return nil
	}
	delete(r.byID, sessionID)
	if r.byUser[sess.UserID] == sess {
		delete(r.byUser, sess.UserID)
	}
	return sess
}

// tapsFor wires one session's supervisor taps: events and run updates go to
// the bus tagged with {sessionId, userId}, approval requests go to the
// broker, exits tear the session down.
func (r *Registry) tapsFor(sess *Session) supervisor.Taps {
	return supervisor.Taps{
		OnEvent: func(ev *ir.RawEvent) {
			sess.Touch()
			switch ev.Type {
			case codex.NotifyTurnStarted:
				sess.enterTurn()
			case codex.NotifyTurnCompleted:
				sess.leaveTurn()
			}
			r.publish(events.BuildSessionEventSubject(sess.ID), events.SessionEvent, map[string]any{
				"sessionId": sess.ID,
				"userId":    sess.UserID,
				"eventId":   ev.ID,
				"ts":        ev.TS,
				"method":    ev.Type,
				"threadId":  ev.ThreadID,
				"turnId":    ev.TurnID,
				"payload":   ev.Payload,
			})
		},
		OnRequest: func(req *supervisor.AgentRequest) string {
			sess.Touch()
			return r.handleAgentRequest(sess, req)
		},
		OnRunUpdate: func(run *ir.RunView) {
			sess.Touch()
			r.publishRunUpdate(sess, run)
		},
		OnProcessError: func(perr *supervisor.ProcessError) {
			sess.Touch()
			r.publish(events.BuildSessionErrorSubject(sess.ID), events.SessionError, map[string]any{
				"sessionId": sess.ID,
				"userId":    sess.UserID,
				"summary":   perr.Summary,
				"details":   perr.Details,
				"source":    perr.Source,
				"ts":        perr.TS,
				"threadId":  perr.ThreadID,
				"turnId":    perr.TurnID,
			})
			// unsolicited errors become visible in the run as a system note
			if perr.ThreadID != "" {
				noteID := "note-" + uuid.New().String()
				r.publishRunUpdate(sess, sess.agent.Mapper().SynthesizeNote(perr.ThreadID, noteID, perr.Summary, perr.TS))
			}
		},
		OnExit: func(exitCode int, err error) {
			r.handleExit(sess, exitCode, err)
		},
	}
}

func (r *Registry) handleAgentRequest(sess *Session, req *supervisor.AgentRequest) string {
	action := approval.ActionCommandExecution
	if req.Method == codex.RequestFileChangeApproval {
		action = approval.ActionFileChange
	}

	breq := &approval.Request{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		ThreadID:  req.ThreadID,
		TurnID:    req.TurnID,
		ItemID:    req.ItemID,
		RPCID:     req.RPCID,
		Method:    req.Method,
		Action:    action,
		Command:   stringValue(req.Params, "command"),
		Cwd:       stringValue(req.Params, "cwd"),
		Changes:   req.Params["changes"],
		Reasoning: stringValue(req.Params, "reasoning"),
		Risk:      stringValue(req.Params, "risk"),
		Respond: func(decision approval.Decision, acceptSettings any) {
			resp := &codex.ApprovalResponse{Decision: string(decision)}
			if acceptSettings != nil {
				if data, err := json.Marshal(acceptSettings); err == nil {
					resp.AcceptSettings = data
				}
			}
			if err := sess.agent.RespondTo(req.RPCID, resp, nil); err != nil {
				r.log.Error("failed to respond to approval request",
					zap.String("session_id", sess.ID),
					zap.Error(err))
			}
		},
		Dispatch: func(prompt *approval.ClientPrompt) {
			r.publish(events.BuildSessionApprovalSubject(sess.ID), events.SessionApproval, map[string]any{
				"sessionId": sess.ID,
				"userId":    sess.UserID,
				"prompt":    prompt,
			})
		},
	}

	approvalID, _ := r.broker.HandleRequest(context.Background(), breq)
	return approvalID
}

// onApprovalResolved mirrors a broker resolution into the owning run view and
// republishes the updated snapshot.
func (r *Registry) onApprovalResolved(res *approval.Resolution) {
	sess, ok := r.Get(res.SessionID)
	if !ok {
		return
	}

	status := ir.ApprovalStatus(res.Decision)
	switch res.Decision {
	case "accept":
		status = ir.ApprovalAccepted
	case "decline":
		status = ir.ApprovalDeclined
	case "timeout":
		status = ir.ApprovalTimeout
	}

	r.publishRunUpdate(sess, sess.agent.Mapper().SetApprovalStatus(res.ThreadID, res.ItemID, status, res.TS))
}

// handleExit deregisters a session whose agent died on its own. The workspace
// directory is kept; only explicit destruction removes it.
func (r *Registry) handleExit(sess *Session, exitCode int, err error) {
	if r.remove(sess.ID) == nil {
		// already destroyed; the exit is the supervisor winding down
		return
	}
	sess.closeIfOpen()

	r.log.Warn("agent exited, closing session",
		zap.String("session_id", sess.ID),
		zap.Int("exit_code", exitCode),
		zap.Error(err))

	r.broker.FailSession(context.Background(), sess.ID)

	payload := map[string]any{
		"sessionId": sess.ID,
		"userId":    sess.UserID,
		"reason":    "agent exited",
		"exitCode":  exitCode,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	r.publish(events.BuildSessionExitSubject(sess.ID), events.SessionExit, payload)
}

func (r *Registry) publishRunUpdate(sess *Session, run *ir.RunView) {
	if run == nil {
		return
	}
	r.publish(events.BuildSessionIRSubject(sess.ID), events.SessionIRUpdate, map[string]any{
		"sessionId": sess.ID,
		"userId":    sess.UserID,
		"run":       run,
	})
}

func (r *Registry) publish(subject, eventType string, data map[string]any) {
	event := bus.NewEvent(eventType, "session-registry", data)
	if err := r.bus.Publish(context.Background(), subject, event); err != nil {
		r.log.Error("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func stringValue(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
