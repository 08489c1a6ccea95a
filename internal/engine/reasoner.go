// Package engine turns an observation plus recalled memory into a Decision.
// The concrete reasoning strategy sits behind the Reasoner interface so the
// control loop never depends on a specific backend.
package engine

import (
	"context"
	"time"

	"github.com/sentinelstack/sentinel-agent/internal/models"
)

// Reasoner is the pluggable reasoning strategy: a pure function from an
// observation digest and memory hits to a decision.
type Reasoner interface {
	Reason(ctx context.Context, summary string, hits []models.MemoryHit) (models.Decision, error)
}

// Engine wraps a Reasoner with the guarantees the loop relies on: input is
// a bounded digest, a decision always comes back, and a failed or timed-out
// strategy escalates instead of silently deciding nothing is wrong.
type Engine struct {
	strategy     Reasoner
	timeout      time.Duration
	maxDigestLen int
}

// NewEngine constructs an Engine around the given strategy.
func NewEngine(strategy Reasoner, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Engine{strategy: strategy, timeout: timeout, maxDigestLen: defaultDigestLimit}
}

// Decide produces the decision for one iteration. It never returns an
// error: reasoning failures become an Escalate verdict carrying the reason.
func (e *Engine) Decide(ctx context.Context, obs models.Observation, hits []models.MemoryHit) models.Decision {
	summary := Summarize(obs, e.maxDigestLen)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	decision, err := e.strategy.Reason(ctx, summary, hits)
	if err != nil {
		return models.Decision{
			Verdict: models.VerdictEscalate,
			Reason:  "reasoning failed: " + err.Error(),
		}
	}

	// A remediate verdict without an action is unactionable; treat it as
	// the strategy asking for help.
	if decision.Verdict == models.VerdictRemediate && decision.ProposedAction == "" {
		decision.Verdict = models.VerdictEscalate
		if decision.Reason == "" {
			decision.Reason = "remediate verdict carried no action"
		}
	}
	return decision
}
