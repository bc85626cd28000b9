// Package events provides event types and subject builders for the gateway
// event system. Registry-level events are published on per-session subjects so
// the websocket layer can forward them to the owning user's clients.
package events

import "fmt"

// Registry-level event types.
const (
	SessionEvent    = "session.event"     // raw agent notification forwarded verbatim
	SessionIRUpdate = "session.ir_update" // RunView snapshot after a mapper update
	SessionApproval = "session.approval"  // pending approval dispatched to the user
	SessionError    = "session.error"     // classified process error
	SessionExit     = "session.exit"      // agent subprocess exited
)

// BuildSessionEventSubject returns the subject for raw agent events of a session.
func BuildSessionEventSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.event", sessionID)
}

// BuildSessionIRSubject returns the subject for IR updates of a session.
func BuildSessionIRSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.ir", sessionID)
}

// BuildSessionApprovalSubject returns the subject for approval requests of a session.
func BuildSessionApprovalSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.approval", sessionID)
}

// BuildSessionErrorSubject returns the subject for process errors of a session.
func BuildSessionErrorSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.error", sessionID)
}

// BuildSessionExitSubject returns the subject for exit events of a session.
func BuildSessionExitSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.exit", sessionID)
}

// Wildcard subjects, one per event family across all sessions.

func BuildSessionEventWildcardSubject() string    { return "session.*.event" }
func BuildSessionIRWildcardSubject() string       { return "session.*.ir" }
func BuildSessionApprovalWildcardSubject() string { return "session.*.approval" }
func BuildSessionErrorWildcardSubject() string    { return "session.*.error" }
func BuildSessionExitWildcardSubject() string     { return "session.*.exit" }
