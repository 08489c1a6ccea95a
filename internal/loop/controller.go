// Package loop runs the observe-decide-act cycle. One controller owns one
// target; all iteration state lives on the controller goroutine.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sentinelstack/sentinel-agent/internal/engine"
	"github.com/sentinelstack/sentinel-agent/internal/memory"
	"github.com/sentinelstack/sentinel-agent/internal/metrics"
	"github.com/sentinelstack/sentinel-agent/internal/models"
	"github.com/sentinelstack/sentinel-agent/internal/notify"
	"github.com/sentinelstack/sentinel-agent/internal/utils"
)

// Phase names the controller's position in the iteration cycle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseObserving   Phase = "observing"
	PhaseDeciding    Phase = "deciding"
	PhaseRemediating Phase = "remediating"
	PhaseEscalating  Phase = "escalating"
	PhaseNoop        Phase = "noop"
	PhaseRecording   Phase = "recording"
)

// Iteration outcomes recorded in metrics and logs.
const (
	OutcomeNoop       = "noop"
	OutcomeRemediated = "remediated"
	OutcomeEscalated  = "escalated"
	OutcomeFailure    = "failure"
)

// Observer captures a cluster snapshot.
type Observer interface {
	Capture(ctx context.Context, target, namespace string, sections []models.Section) (models.Observation, error)
}

// Decider produces a decision for one observation. It never fails; a broken
// strategy surfaces as an Escalate verdict.
type Decider interface {
	Decide(ctx context.Context, obs models.Observation, hits []models.MemoryHit) models.Decision
}

// Remediator applies an approved command to the cluster.
type Remediator interface {
	Apply(ctx context.Context, target, commandText string) (models.ExecutionResult, error)
}

// Escalator fans a message out to the configured channels.
type Escalator interface {
	Notify(ctx context.Context, msg notify.Message) []notify.Delivery
	Channels() int
}

// Options carries the loop tunables.
type Options struct {
	Target                 string
	Namespace              string
	Sections               []models.Section
	Interval               time.Duration
	CooldownWindow         time.Duration
	MaxRepeatsPerWindow    int
	MaxConsecutiveFailures int
	FailureBackoff         time.Duration
	HaltOnDegraded         bool
	ActionsPerMinute       float64
	ActionBurst            int
	TopK                   int
	MinSimilarity          float32
	RecordEscalations      bool
}

// cooldownEntry tracks how often one action was applied inside the current
// window.
type cooldownEntry struct {
	windowStart time.Time
	count       int
}

// Controller drives the iteration cycle for one target.
type Controller struct {
	opts      Options
	observer  Observer
	store     memory.Store
	decider   Decider
	executor  Remediator
	escalator Escalator
	logger    *slog.Logger

	state     models.LoopState
	phase     Phase
	cooldowns map[string]*cooldownEntry
	limiter   *rate.Limiter
	latency   *utils.LatencyTracker
	now       func() time.Time
}

// ErrDegraded is returned by Run when the degraded threshold is reached and
// the controller is configured to halt.
var ErrDegraded = fmt.Errorf("agent degraded: consecutive iteration failures exceeded threshold")

// New wires a controller from its collaborators.
func New(opts Options, observer Observer, store memory.Store, decider Decider, executor Remediator, escalator Escalator, logger *slog.Logger) *Controller {
	if len(opts.Sections) == 0 {
		opts.Sections = models.DefaultSections
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.MaxRepeatsPerWindow <= 0 {
		opts.MaxRepeatsPerWindow = 1
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 3
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.ActionsPerMinute <= 0 {
		opts.ActionsPerMinute = 2
	}
	if opts.ActionBurst <= 0 {
		opts.ActionBurst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		opts:      opts,
		observer:  observer,
		store:     store,
		decider:   decider,
		executor:  executor,
		escalator: escalator,
		logger:    logger,
		phase:     PhaseIdle,
		cooldowns: make(map[string]*cooldownEntry),
		limiter:   rate.NewLimiter(rate.Limit(opts.ActionsPerMinute/60.0), opts.ActionBurst),
		latency:   utils.NewLatencyTracker(256),
		now:       time.Now,
	}
}

// Phase reports the controller's current phase.
func (c *Controller) Phase() Phase { return c.phase }

// State returns a copy of the loop counters.
func (c *Controller) State() models.LoopState { return c.state }

// Run iterates until the context is cancelled. The first iteration starts
// immediately; later ones follow the configured interval, stretched by the
// failure backoff while iterations are failing.
func (c *Controller) Run(ctx context.Context) error {
	for {
		outcome := c.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if outcome == OutcomeFailure && c.state.ConsecutiveFailures >= c.opts.MaxConsecutiveFailures {
			c.escalateDegraded(ctx)
			if c.opts.HaltOnDegraded {
				return ErrDegraded
			}
			c.state.ConsecutiveFailures = 0
		}

		wait := c.opts.Interval
		if outcome == OutcomeFailure && c.opts.FailureBackoff > 0 {
			wait += c.opts.FailureBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RunOnce executes a single iteration and returns its outcome.
func (c *Controller) RunOnce(ctx context.Context) string {
	started := c.now()
	c.state.IterationCount++
	c.state.LastRunAt = started

	outcome := c.iterate(ctx)

	elapsed := c.now().Sub(started)
	c.latency.Observe(elapsed)
	metrics.ObserveIteration(elapsed, outcome)

	if outcome == OutcomeFailure {
		c.state.ConsecutiveFailures++
	} else {
		c.state.ConsecutiveFailures = 0
	}

	c.logger.Info("iteration finished",
		"iteration", c.state.IterationCount,
		"outcome", outcome,
		"duration", elapsed,
		"consecutive_failures", c.state.ConsecutiveFailures)
	if c.state.IterationCount%20 == 0 {
		c.logger.Info("iteration latency",
			"p50", c.latency.Percentile(50),
			"p95", c.latency.Percentile(95),
			"samples", c.latency.Count())
	}

	c.phase = PhaseIdle
	return outcome
}

func (c *Controller) iterate(ctx context.Context) string {
	c.phase = PhaseObserving
	obs, err := c.observer.Capture(ctx, c.opts.Target, c.opts.Namespace, c.opts.Sections)
	if err != nil {
		c.logger.Error("observation failed", "error", err)
		return OutcomeFailure
	}
	if !obs.Complete() {
		c.logger.Warn("observation is partial", "failed_sections", len(obs.PartialFailures))
	}

	c.phase = PhaseDeciding
	hits := c.lookupMemory(ctx, obs)
	decision := c.decider.Decide(ctx, obs, hits)
	metrics.ObserveDecision(string(decision.Verdict))

	switch decision.Verdict {
	case models.VerdictNoAction:
		c.phase = PhaseNoop
		return OutcomeNoop
	case models.VerdictRemediate:
		return c.remediate(ctx, decision)
	default:
		return c.escalate(ctx, decision, models.SeverityCritical)
	}
}

// lookupMemory recalls past cases similar to the current snapshot. A store
// outage is recoverable: the decision proceeds without recall.
func (c *Controller) lookupMemory(ctx context.Context, obs models.Observation) []models.MemoryHit {
	query := engine.Summarize(obs, 6000)
	hits, err := c.store.FindSimilar(ctx, query, c.opts.TopK, c.opts.MinSimilarity)
	if err != nil {
		metrics.ObserveMemoryLookup("error")
		c.logger.Warn("memory lookup failed, deciding without recall", "error", err)
		return nil
	}
	if len(hits) == 0 {
		metrics.ObserveMemoryLookup("miss")
	} else {
		metrics.ObserveMemoryLookup("hit")
	}
	return hits
}

func (c *Controller) remediate(ctx context.Context, decision models.Decision) string {
	c.phase = PhaseRemediating
	action := decision.ProposedAction

	if reason, blocked := c.checkCooldown(action); blocked {
		metrics.ObserveRemediation("cooldown")
		decision.Reason = reason
		return c.escalate(ctx, decision, models.SeverityWarning)
	}
	if !c.limiter.Allow() {
		metrics.ObserveRemediation("cooldown")
		decision.Reason = "action rate limit exhausted"
		return c.escalate(ctx, decision, models.SeverityWarning)
	}

	result, err := c.executor.Apply(ctx, c.opts.Target, action)
	if err != nil {
		if utils.KindOf(err) == utils.KindPolicy {
			metrics.ObserveRemediation("refused")
			decision.Reason = "policy refused action: " + err.Error()
			return c.escalate(ctx, decision, models.SeverityWarning)
		}
		metrics.ObserveRemediation("failed")
		c.logger.Error("remediation execution failed", "action", action, "error", err)
		return OutcomeFailure
	}

	c.markApplied(action)
	if !result.Succeeded {
		metrics.ObserveRemediation("failed")
		decision.Reason = "remediation command failed: " + firstLine(result.ErrorText)
		c.escalate(ctx, decision, models.SeverityWarning)
		return OutcomeFailure
	}

	metrics.ObserveRemediation("applied")
	c.record(ctx, decision.IssueText, action, models.OutcomeResolved)
	return OutcomeRemediated
}

func (c *Controller) escalate(ctx context.Context, decision models.Decision, severity models.Severity) string {
	c.phase = PhaseEscalating
	if c.escalator != nil && c.escalator.Channels() > 0 {
		c.escalator.Notify(ctx, notify.Message{
			Severity:  severity,
			Subject:   escalationSubject(decision),
			Body:      escalationBody(decision),
			Target:    c.opts.Target,
			Timestamp: c.now().UTC(),
		})
	} else {
		c.logger.Warn("no escalation channels configured",
			"issue", decision.IssueText, "reason", decision.Reason)
	}

	// Escalations enter memory only when nothing similar was already known,
	// so repeat alerts do not pollute the store with near-duplicates.
	novel := decision.MatchedRecordID == ""
	if c.opts.RecordEscalations && novel && decision.IssueText != "" {
		c.record(ctx, decision.IssueText, decision.ProposedAction, models.OutcomeEscalated)
	}
	return OutcomeEscalated
}

// record persists one issue outcome. Store failures are logged and
// swallowed: losing a record must not fail the iteration.
func (c *Controller) record(ctx context.Context, issueText, action string, outcome models.Outcome) {
	c.phase = PhaseRecording
	if issueText == "" {
		return
	}
	if _, err := c.store.AddIssue(ctx, issueText, action, outcome); err != nil {
		c.logger.Warn("failed to record issue", "issue", issueText, "error", err)
	}
}

// checkCooldown reports whether the action is suppressed by the repeat
// policy for the current window.
func (c *Controller) checkCooldown(action string) (string, bool) {
	if c.opts.CooldownWindow <= 0 {
		return "", false
	}
	key := models.NormalizeIssueText(action)
	entry, ok := c.cooldowns[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(entry.windowStart) > c.opts.CooldownWindow {
		delete(c.cooldowns, key)
		return "", false
	}
	if entry.count >= c.opts.MaxRepeatsPerWindow {
		return fmt.Sprintf("action applied %d time(s) in the last %s, holding off",
			entry.count, c.opts.CooldownWindow), true
	}
	return "", false
}

func (c *Controller) markApplied(action string) {
	if c.opts.CooldownWindow <= 0 {
		return
	}
	key := models.NormalizeIssueText(action)
	entry, ok := c.cooldowns[key]
	if !ok || c.now().Sub(entry.windowStart) > c.opts.CooldownWindow {
		c.cooldowns[key] = &cooldownEntry{windowStart: c.now(), count: 1}
		return
	}
	entry.count++
}

// escalateDegraded reports that the loop itself is unhealthy.
func (c *Controller) escalateDegraded(ctx context.Context) {
	c.logger.Error("agent degraded",
		"consecutive_failures", c.state.ConsecutiveFailures,
		"threshold", c.opts.MaxConsecutiveFailures)
	if c.escalator == nil || c.escalator.Channels() == 0 {
		return
	}
	c.escalator.Notify(ctx, notify.Message{
		Severity: models.SeverityCritical,
		Subject:  "sentinel agent degraded",
		Body: fmt.Sprintf("%d consecutive iterations failed for target %q; the agent cannot observe or act reliably.",
			c.state.ConsecutiveFailures, c.opts.Target),
		Target:    c.opts.Target,
		Timestamp: c.now().UTC(),
	})
}

func escalationSubject(decision models.Decision) string {
	if decision.IssueText != "" {
		return decision.IssueText
	}
	return "cluster issue requires attention"
}

func escalationBody(decision models.Decision) string {
	var b strings.Builder
	if decision.IssueText != "" {
		b.WriteString("Issue: " + decision.IssueText + "\n")
	}
	if decision.Reason != "" {
		b.WriteString("Reason: " + decision.Reason + "\n")
	}
	if decision.ProposedAction != "" {
		b.WriteString("Proposed action (not applied): " + decision.ProposedAction + "\n")
	}
	if decision.MatchedRecordID != "" {
		fmt.Fprintf(&b, "Closest known case: %s (similarity %.2f)\n", decision.MatchedRecordID, decision.Confidence)
	}
	if b.Len() == 0 {
		b.WriteString("The agent escalated without additional detail.\n")
	}
	return b.String()
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}
