// Package kube wraps kubectl invocations behind the observation and
// remediation contracts. It deliberately stays a thin command surface:
// everything above it consumes plain text.
package kube

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sentinelstack/sentinel-agent/internal/models"
	"github.com/sentinelstack/sentinel-agent/internal/utils"
)

// Runner abstracts subprocess execution so tests can substitute canned
// output for a live kubectl.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

// Run executes the command and captures both output streams.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Client captures cluster state and executes remediation commands against
// one kubectl context.
type Client struct {
	kubectlPath string
	timeout     time.Duration
	runner      Runner
}

// NewClient constructs a kubectl client. A nil runner defaults to os/exec.
func NewClient(kubectlPath string, timeout time.Duration, runner Runner) *Client {
	if kubectlPath == "" {
		kubectlPath = "kubectl"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Client{kubectlPath: kubectlPath, timeout: timeout, runner: runner}
}

// sectionArgs maps each observation category to its kubectl subcommand.
func sectionArgs(section models.Section, namespace string) ([]string, bool) {
	namespaceArgs := func() []string {
		if namespace == "" {
			return []string{"--all-namespaces"}
		}
		return []string{"-n", namespace}
	}

	switch section {
	case models.SectionNodes:
		return []string{"get", "nodes", "-o", "wide"}, true
	case models.SectionPods:
		return append([]string{"get", "pods", "-o", "wide"}, namespaceArgs()...), true
	case models.SectionEvents:
		return append([]string{"get", "events", "--sort-by=.lastTimestamp"}, namespaceArgs()...), true
	default:
		return nil, false
	}
}

// Capture collects the requested sections for the target. Sections that
// fail are recorded as empty with a partial-failure entry; the returned
// error is non-nil only when every section failed.
func (c *Client) Capture(ctx context.Context, target, namespace string, sections []models.Section) (models.Observation, error) {
	obs := models.Observation{
		Target:    target,
		Namespace: namespace,
		Timestamp: time.Now().UTC(),
		Sections:  make(map[models.Section]string, len(sections)),
	}

	for _, section := range sections {
		args, ok := sectionArgs(section, namespace)
		if !ok {
			obs.Sections[section] = ""
			obs.PartialFailures = append(obs.PartialFailures, models.SectionFailure{
				Section: section,
				Reason:  "unknown section",
			})
			continue
		}

		text, err := c.run(ctx, target, args)
		if err != nil {
			obs.Sections[section] = ""
			obs.PartialFailures = append(obs.PartialFailures, models.SectionFailure{
				Section: section,
				Reason:  err.Error(),
			})
			continue
		}
		obs.Sections[section] = text
	}

	if len(sections) > 0 && len(obs.PartialFailures) == len(sections) {
		return obs, utils.E("kube.Capture", utils.KindObservation,
			fmt.Sprintf("all %d sections failed for target %s", len(sections), target), nil)
	}
	return obs, nil
}

// Execute runs a remediation command. A failing command is data, not an
// error: the result carries exit status and both output streams.
func (c *Client) Execute(ctx context.Context, target, commandText string) (models.ExecutionResult, error) {
	args := strings.Fields(commandText)
	if len(args) == 0 {
		return models.ExecutionResult{}, utils.E("kube.Execute", utils.KindExecution, "empty command", nil)
	}
	// Accept commands written with or without the kubectl prefix.
	if args[0] == "kubectl" {
		args = args[1:]
	}
	if len(args) == 0 {
		return models.ExecutionResult{}, utils.E("kube.Execute", utils.KindExecution, "command has no subcommand", nil)
	}

	stdout, stderr, err := c.runRaw(ctx, target, args)
	result := models.ExecutionResult{
		Succeeded:  err == nil,
		OutputText: stdout,
		ErrorText:  stderr,
	}
	if err != nil && result.ErrorText == "" {
		result.ErrorText = err.Error()
	}
	return result, nil
}

func (c *Client) run(ctx context.Context, target string, args []string) (string, error) {
	stdout, stderr, err := c.runRaw(ctx, target, args)
	if err != nil {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("kubectl %s: %s", strings.Join(args, " "), msg)
	}
	return stdout, nil
}

func (c *Client) runRaw(ctx context.Context, target string, args []string) (string, string, error) {
	if target != "" {
		args = append(args, "--context", target)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.runner.Run(ctx, c.kubectlPath, args...)
}
