package models

import (
	"strings"
	"time"
)

// Verdict enumerates the possible outcomes of one reasoning pass.
type Verdict string

const (
	VerdictNoAction  Verdict = "no_action"
	VerdictRemediate Verdict = "remediate"
	VerdictEscalate  Verdict = "escalate"
)

// Decision is the ephemeral output of one loop iteration. It is consumed
// within the same iteration and never persisted.
type Decision struct {
	Verdict         Verdict
	IssueText       string
	ProposedAction  string
	MatchedRecordID string
	Confidence      float32
	Reason          string
}

// ParseVerdict maps free-form strategy output onto a Verdict. Unrecognised
// values fall back to escalate so a confused backend can never silently
// become a no-op.
func ParseVerdict(value string) Verdict {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "no_action", "noaction", "none", "ok", "healthy":
		return VerdictNoAction
	case "remediate", "remediation", "fix":
		return VerdictRemediate
	case "escalate", "escalation", "alert":
		return VerdictEscalate
	default:
		return VerdictEscalate
	}
}

// ExecutionResult reports the outcome of applying one remediation action.
// Command failure is data, not an error: the loop decides what to do next.
type ExecutionResult struct {
	Succeeded  bool
	OutputText string
	ErrorText  string
}

// Severity captures alert impact levels.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// LoopState holds the per-loop counters. It is initialised at startup and
// owned by a single controller goroutine; it is not persisted across
// restarts.
type LoopState struct {
	IterationCount      int
	LastRunAt           time.Time
	ConsecutiveFailures int
}
