package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/sentinelstack/sentinel-agent/internal/models"
)

// CommandRunner executes an approved command against the cluster.
type CommandRunner interface {
	Execute(ctx context.Context, target, commandText string) (models.ExecutionResult, error)
}

// Executor gates remediation commands behind a Policy and runs the ones
// that pass.
type Executor struct {
	policy  *Policy
	runner  CommandRunner
	timeout time.Duration
	logger  *slog.Logger
}

// New constructs an Executor.
func New(policy *Policy, runner CommandRunner, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{policy: policy, runner: runner, timeout: timeout, logger: logger}
}

// Apply checks the command against the policy and executes it. A policy
// refusal returns an error before anything touches the cluster; a command
// that runs and fails comes back as an unsuccessful result, not an error.
func (e *Executor) Apply(ctx context.Context, target, commandText string) (models.ExecutionResult, error) {
	if err := e.policy.Check(commandText); err != nil {
		e.logger.Warn("remediation refused by policy",
			"command", commandText,
			"error", err)
		return models.ExecutionResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.logger.Info("applying remediation", "command", commandText, "target", target)
	result, err := e.runner.Execute(ctx, target, commandText)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	if result.Succeeded {
		e.logger.Info("remediation applied", "command", commandText)
	} else {
		e.logger.Warn("remediation command failed", "command", commandText, "stderr", result.ErrorText)
	}
	return result, nil
}
