package supervisor

import (
	"errors"
	"strings"
)

var (
	// ErrNotStarted is returned for calls before Start succeeds.
	ErrNotStarted = errors.New("supervisor not started")
	// ErrClosed is returned for calls after Stop.
	ErrClosed = errors.New("supervisor closed")
	// ErrAgentExited rejects in-flight calls when the subprocess exits.
	ErrAgentExited = errors.New("agent process exited")
	// ErrRequestTimeout rejects a call whose deadline lapsed; a late response
	// is then dropped silently.
	ErrRequestTimeout = errors.New("request timed out")
)

// ProcessError is a classified record of something going wrong in or around
// the subprocess. Source is stderr, exit, or response. A ProcessError alone
// never tears the session down.
type ProcessError struct {
	Summary  string `json:"summary"`
	Details  string `json:"details"`
	Source   string `json:"source"`
	TS       int64  `json:"ts"`
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
}

const (
	SourceStderr   = "stderr"
	SourceExit     = "exit"
	SourceResponse = "response"
)

// ClassifyError derives a short user-facing summary from raw error details.
// Matching is case-insensitive substring.
func ClassifyError(details string) string {
	lower := strings.ToLower(details)
	switch {
	case strings.Contains(lower, "401"), strings.Contains(lower, "invalid_api_key"):
		return "鉴权失败：API Key 无效"
	case strings.Contains(lower, "timeout"):
		return "请求超时"
	default:
		return "Codex 进程错误"
	}
}
