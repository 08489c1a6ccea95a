package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-agent/internal/models"
	"github.com/sentinelstack/sentinel-agent/internal/utils"
)

type recordingRunner struct {
	result models.ExecutionResult
	err    error
	calls  []string
}

func (r *recordingRunner) Execute(_ context.Context, _ string, commandText string) (models.ExecutionResult, error) {
	r.calls = append(r.calls, commandText)
	return r.result, r.err
}

func defaultTestPolicy(t *testing.T) *Policy {
	t.Helper()
	policy, err := NewPolicy(
		[]string{"rollout", "scale", "cordon", "uncordon", "drain"},
		[]string{"kube-system"},
	)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return policy
}

func TestPolicyCheck(t *testing.T) {
	policy := defaultTestPolicy(t)

	cases := []struct {
		name    string
		command string
		allowed bool
	}{
		{"allowed verb", "kubectl rollout restart deployment/api", true},
		{"allowed without prefix", "cordon worker-1", true},
		{"verb case-insensitive", "KUBECTL Scale deployment/api --replicas=3", true},
		{"delete refused", "kubectl delete namespace production", false},
		{"read verbs refused", "kubectl get secrets --all-namespaces", false},
		{"forbidden namespace", "kubectl rollout restart deployment/dns -n kube-system", false},
		{"system namespace delete", "kubectl delete namespace kube-system", false},
		{"empty", "   ", false},
		{"bare prefix", "kubectl", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := policy.Check(tc.command)
			if tc.allowed && err != nil {
				t.Fatalf("Check(%q) = %v, want allowed", tc.command, err)
			}
			if !tc.allowed {
				if err == nil {
					t.Fatalf("Check(%q) allowed, want refusal", tc.command)
				}
				if utils.KindOf(err) != utils.KindPolicy {
					t.Fatalf("Check(%q) kind = %v, want policy violation", tc.command, utils.KindOf(err))
				}
			}
		})
	}
}

func TestApplyRefusalSkipsExecution(t *testing.T) {
	runner := &recordingRunner{}
	exec := New(defaultTestPolicy(t), runner, time.Second, nil)

	_, err := exec.Apply(context.Background(), "prod", "kubectl delete namespace kube-system")
	if err == nil {
		t.Fatalf("expected policy refusal")
	}
	if utils.KindOf(err) != utils.KindPolicy {
		t.Fatalf("kind = %v, want policy violation", utils.KindOf(err))
	}
	if len(runner.calls) != 0 {
		t.Fatalf("refused command reached the runner: %v", runner.calls)
	}
}

func TestApplyRunsAllowedCommand(t *testing.T) {
	runner := &recordingRunner{result: models.ExecutionResult{Succeeded: true, OutputText: "deployment restarted"}}
	exec := New(defaultTestPolicy(t), runner, time.Second, nil)

	result, err := exec.Apply(context.Background(), "prod", "kubectl rollout restart deployment/api")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !result.Succeeded {
		t.Fatalf("result = %+v, want success", result)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("runner calls = %v", runner.calls)
	}
}

func TestApplyCommandFailureIsResult(t *testing.T) {
	runner := &recordingRunner{result: models.ExecutionResult{Succeeded: false, ErrorText: "deployment not found"}}
	exec := New(defaultTestPolicy(t), runner, time.Second, nil)

	result, err := exec.Apply(context.Background(), "prod", "kubectl rollout restart deployment/ghost")
	if err != nil {
		t.Fatalf("command failure must be a result: %v", err)
	}
	if result.Succeeded {
		t.Fatalf("expected failed result")
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := "allowedVerbs:\n  - rollout\n  - scale\nforbiddenPatterns:\n  - kube-system\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := policy.Check("kubectl rollout restart deployment/api"); err != nil {
		t.Fatalf("rollout should be allowed: %v", err)
	}
	if err := policy.Check("kubectl cordon worker-1"); err == nil {
		t.Fatalf("cordon is not in the file policy, want refusal")
	}
}

func TestLoadPolicyRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("allowedVerbs: []\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Fatalf("empty allow-list must be a configuration error")
	}
}
