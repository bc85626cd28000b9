// Package approval mediates agent-initiated approval requests: a policy
// engine decides automatically where it safely can, everything else goes to
// the owning user with a bounded deadline, and every outcome is audited.
package approval

import (
	"regexp"
	"strings"

	"github.com/cloudcodex/cloudcodex/internal/common/config"
)

// Decision is a policy or user verdict on an approval request.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
	// DecisionManual means the policy defers to the user.
	DecisionManual Decision = "manual"
)

// Action classifies what the agent wants to do.
type Action string

const (
	ActionCommandExecution Action = "command_execution"
	ActionFileChange       Action = "file_change"
)

// Commands whose first token never mutates state. Redirections are checked
// separately since `echo x > f` writes a file.
var readOnlyCommands = map[string]struct{}{
	"ls": {}, "cat": {}, "grep": {}, "find": {}, "head": {}, "tail": {},
	"less": {}, "more": {}, "pwd": {}, "echo": {}, "date": {}, "whoami": {},
	"which": {},
}

// Two-token read-only commands, matched on the first two fields.
var readOnlySubcommands = map[string]struct{}{
	"git log": {}, "git status": {}, "git diff": {}, "git show": {},
	"npm list": {}, "yarn list": {},
}

// Policy evaluates approval requests against the built-in read-only set and
// the configured auto-approve lists.
type Policy struct {
	prefixes []string
	cwdGlobs []*regexp.Regexp
}

// NewPolicy compiles the configured auto-approve rules. Globs that fail to
// compile are skipped.
func NewPolicy(cfg config.AutoApprove) *Policy {
	p := &Policy{prefixes: cfg.Commands}
	for _, glob := range cfg.Paths {
		if re := compileGlob(glob); re != nil {
			p.cwdGlobs = append(p.cwdGlobs, re)
		}
	}
	return p
}

// EvaluateCommand returns the automatic decision for a command approval, or
// DecisionManual when the user must decide.
func (p *Policy) EvaluateCommand(command, cwd string) Decision {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return DecisionManual
	}

	if isReadOnly(trimmed) && !strings.Contains(trimmed, ">") {
		return DecisionAccept
	}

	for _, prefix := range p.prefixes {
		if prefix != "" && strings.HasPrefix(trimmed, prefix) {
			return DecisionAccept
		}
	}

	for _, re := range p.cwdGlobs {
		if re.MatchString(cwd) {
			return DecisionAccept
		}
	}

	return DecisionManual
}

// EvaluateFileChange always defers file edits to the user.
func (p *Policy) EvaluateFileChange() Decision {
	return DecisionManual
}

func isReadOnly(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	if _, ok := readOnlyCommands[fields[0]]; ok {
		return true
	}
	if len(fields) >= 2 {
		if _, ok := readOnlySubcommands[fields[0]+" "+fields[1]]; ok {
			return true
		}
	}
	return false
}

func compileGlob(glob string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(glob)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
