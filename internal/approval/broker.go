package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudcodex/cloudcodex/internal/common/config"
	"github.com/cloudcodex/cloudcodex/internal/common/logger"
)

var (
	// ErrUnknownApproval is returned when an approvalId has no pending entry,
	// either because it never existed or because it was already resolved.
	ErrUnknownApproval = errors.New("unknown approval id")
	// ErrSessionMismatch is returned when a response names a different session
	// than the one that owns the pending approval.
	ErrSessionMismatch = errors.New("approval belongs to a different session")
	// ErrInvalidDecision is returned for decisions other than accept/decline.
	ErrInvalidDecision = errors.New("invalid decision")
)

// Request is one agent-initiated approval, carried to the broker together
// with the callbacks that reach back to the agent and the owning client.
type Request struct {
	SessionID string
	UserID    string
	ThreadID  string
	TurnID    string
	ItemID    string
	RPCID     any
	Method    string

	Action    Action
	Command   string
	Cwd       string
	Changes   any
	Reasoning string
	Risk      string

	// Respond sends the JSON-RPC response echoing RPCID back to the agent.
	// The broker calls it exactly once per request. acceptSettings is the
	// client's opaque payload, forwarded unmodified; nil when absent.
	Respond func(decision Decision, acceptSettings any)
	// Dispatch forwards the approval prompt to the owning client. Nil when no
	// client is reachable; the request then rides on the timeout.
	Dispatch func(prompt *ClientPrompt)
}

// ClientPrompt is the approval/request payload shown to the user.
type ClientPrompt struct {
	ApprovalID string    `json:"approvalId"`
	Method     string    `json:"method"`
	SessionID  string    `json:"sessionId"`
	ItemID     string    `json:"itemId"`
	ThreadID   string    `json:"threadId,omitempty"`
	TurnID     string    `json:"turnId,omitempty"`
	Command    string    `json:"command,omitempty"`
	Cwd        string    `json:"cwd,omitempty"`
	Changes    any       `json:"changes,omitempty"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Risk       string    `json:"risk,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Resolution describes how an approval ended, for consumers that mirror the
// outcome into run views and client frames. Decision is accept, decline, or
// timeout. TS is the resolution time in epoch milliseconds.
type Resolution struct {
	ApprovalID   string
	SessionID    string
	UserID       string
	ThreadID     string
	TurnID       string
	ItemID       string
	Decision     string
	Approver     string
	AutoApproved bool
	TS           int64
}

type pendingApproval struct {
	approvalID string
	req        *Request
	createdAt  time.Time
	deadline   time.Time
	timer      *time.Timer
}

// Broker owns the pending-approval table. Every request gets exactly one
// response to the agent: synthesized by policy, carried back from the user,
// or forced by the deadline.
type Broker struct {
	cfg     config.ApprovalConfig
	policy  *Policy
	auditor Auditor
	log     *logger.Logger

	mu         sync.Mutex
	pending    map[string]*pendingApproval
	onResolved func(*Resolution)
}

// NewBroker creates a broker with the given policy configuration and audit
// sink.
func NewBroker(cfg config.ApprovalConfig, auditor Auditor, log *logger.Logger) *Broker {
	return &Broker{
		cfg:     cfg,
		policy:  NewPolicy(cfg.AutoApprove),
		auditor: auditor,
		log:     log,
		pending: make(map[string]*pendingApproval),
	}
}

// SetResolvedHook registers a callback invoked after every resolution. Must
// be set before traffic starts.
func (b *Broker) SetResolvedHook(fn func(*Resolution)) {
	b.onResolved = fn
}

// HandleRequest evaluates the policy and either responds immediately or
// parks the request in the pending table. It returns the broker-generated
// approvalId (always fresh, distinct from the agent's rpcId) and the policy
// decision, DecisionManual when the user was asked.
func (b *Broker) HandleRequest(ctx context.Context, req *Request) (string, Decision) {
	approvalID := uuid.New().String()

	var decision Decision
	switch req.Action {
	case ActionCommandExecution:
		decision = b.policy.EvaluateCommand(req.Command, req.Cwd)
	case ActionFileChange:
		decision = b.policy.EvaluateFileChange()
	default:
		// unknown action: decline and audit rather than leave the agent hanging
		b.log.Error("unknown approval action",
			zap.String("method", req.Method),
			zap.String("session_id", req.SessionID))
		req.Respond(DecisionDecline, nil)
		b.audit(ctx, req, string(DecisionDecline), "policy_engine", "unknown approval method", true)
		b.resolve(req, approvalID, string(DecisionDecline), "policy_engine", true)
		return approvalID, DecisionDecline
	}

	if decision == DecisionAccept || decision == DecisionDecline {
		req.Respond(decision, nil)
		b.audit(ctx, req, string(decision), "policy_engine", "", true)
		b.resolve(req, approvalID, string(decision), "policy_engine", true)
		return approvalID, decision
	}

	now := time.Now()
	p := &pendingApproval{
		approvalID: approvalID,
		req:        req,
		createdAt:  now,
		deadline:   now.Add(b.cfg.Timeout()),
	}
	p.timer = time.AfterFunc(b.cfg.Timeout(), func() {
		b.expire(approvalID)
	})

	b.mu.Lock()
	b.pending[approvalID] = p
	b.mu.Unlock()

	b.log.Info("approval pending",
		zap.String("approval_id", approvalID),
		zap.String("session_id", req.SessionID),
		zap.String("method", req.Method))

	if req.Dispatch != nil {
		req.Dispatch(&ClientPrompt{
			ApprovalID: approvalID,
			Method:     req.Method,
			SessionID:  req.SessionID,
			ItemID:     req.ItemID,
			ThreadID:   req.ThreadID,
			TurnID:     req.TurnID,
			Command:    req.Command,
			Cwd:        req.Cwd,
			Changes:    req.Changes,
			Reasoning:  req.Reasoning,
			Risk:       req.Risk,
			ExpiresAt:  p.deadline,
		})
	}
	return approvalID, DecisionManual
}

// Respond carries a user decision back to the agent. The sessionId must match
// the pending entry's owner. Safe against the timeout race: whichever side
// takes the entry first wins, the other is a no-op (here, an error).
func (b *Broker) Respond(ctx context.Context, sessionID, approvalID string, decision Decision, acceptSettings any) error {
	if decision != DecisionAccept && decision != DecisionDecline {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	b.mu.Lock()
	p, ok := b.pending[approvalID]
	if ok && p.req.SessionID != sessionID {
		b.mu.Unlock()
		b.log.Error("approval response for foreign session",
			zap.String("approval_id", approvalID),
			zap.String("session_id", sessionID))
		return ErrSessionMismatch
	}
	if ok {
		delete(b.pending, approvalID)
	}
	b.mu.Unlock()

	if !ok {
		b.log.Error("approval response for unknown id",
			zap.String("approval_id", approvalID),
			zap.String("session_id", sessionID))
		return ErrUnknownApproval
	}

	p.timer.Stop()
	p.req.Respond(decision, acceptSettings)
	b.audit(ctx, p.req, string(decision), "user_"+p.req.UserID, "", false)
	b.resolve(p.req, approvalID, string(decision), "user_"+p.req.UserID, false)
	return nil
}

// FailSession eagerly resolves all pending approvals of a closed session. The
// agent is gone so no response is sent; entries are audited as timed out so
// the trail shows the request was never user-decided.
func (b *Broker) FailSession(ctx context.Context, sessionID string) {
	b.mu.Lock()
	var failed []*pendingApproval
	for id, p := range b.pending {
		if p.req.SessionID == sessionID {
			delete(b.pending, id)
			failed = append(failed, p)
		}
	}
	b.mu.Unlock()

	for _, p := range failed {
		p.timer.Stop()
		b.audit(ctx, p.req, "timeout", "timeout", "session closed", false)
		b.resolve(p.req, p.approvalID, "timeout", "timeout", false)
	}
}

// PendingCount returns the size of the pending table.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) expire(approvalID string) {
	b.mu.Lock()
	p, ok := b.pending[approvalID]
	if ok {
		delete(b.pending, approvalID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	decision := DecisionDecline
	if b.cfg.DefaultAction == string(DecisionAccept) {
		decision = DecisionAccept
	}

	b.log.Warn("approval timed out",
		zap.String("approval_id", approvalID),
		zap.String("session_id", p.req.SessionID),
		zap.String("default_action", string(decision)))

	p.req.Respond(decision, nil)
	b.audit(context.Background(), p.req, "timeout", "timeout", "", false)
	b.resolve(p.req, approvalID, "timeout", "timeout", false)
}

func (b *Broker) audit(ctx context.Context, req *Request, decision, approver, reason string, auto bool) {
	rec := &AuditRecord{
		Timestamp:    time.Now().UTC(),
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		ThreadID:     req.ThreadID,
		TurnID:       req.TurnID,
		Action:       req.Action,
		Command:      req.Command,
		Changes:      req.Changes,
		Decision:     decision,
		Approver:     approver,
		Reason:       reason,
		AutoApproved: auto,
	}
	if err := b.auditor.Record(ctx, rec); err != nil {
		b.log.Error("failed to write audit record",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
	}
}

func (b *Broker) resolve(req *Request, approvalID, decision, approver string, auto bool) {
	if b.onResolved == nil {
		return
	}
	b.onResolved(&Resolution{
		ApprovalID:   approvalID,
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		ThreadID:     req.ThreadID,
		TurnID:       req.TurnID,
		ItemID:       req.ItemID,
		Decision:     decision,
		Approver:     approver,
		AutoApproved: auto,
		TS:           time.Now().UnixMilli(),
	})
}
