package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Outcome captures how a recorded issue was concluded.
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeEscalated Outcome = "escalated"
	OutcomeUnknown   Outcome = "unknown"
)

// IssueRecord is the durable memory unit: one issue description paired with
// the action that dealt with it. Records are owned by the memory store and
// only mutated through its API.
type IssueRecord struct {
	ID             string
	IssueText      string
	Embedding      []float32
	SolutionAction string
	Outcome        Outcome
	CreatedAt      time.Time
	LastUsedAt     time.Time
	UseCount       int
}

// MemoryHit pairs a recalled record with its similarity to the query text.
type MemoryHit struct {
	Record     IssueRecord
	Similarity float32
}

// NormalizeIssueText canonicalises issue text so that trivially different
// phrasings of the same issue collapse to one record: lowercase, whitespace
// runs folded to single spaces.
func NormalizeIssueText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// IssueID derives the stable content-addressed id for an issue text.
// Identical normalized text always yields the same id.
func IssueID(issueText string) string {
	sum := sha256.Sum256([]byte(NormalizeIssueText(issueText)))
	return hex.EncodeToString(sum[:16])
}

// ParseOutcome maps stored strings back to an Outcome, defaulting to unknown.
func ParseOutcome(value string) Outcome {
	switch strings.ToLower(value) {
	case string(OutcomeResolved):
		return OutcomeResolved
	case string(OutcomeEscalated):
		return OutcomeEscalated
	default:
		return OutcomeUnknown
	}
}
