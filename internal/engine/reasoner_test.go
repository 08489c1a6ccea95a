package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-agent/internal/models"
)

type stubReasoner struct {
	decision models.Decision
	err      error
}

func (s *stubReasoner) Reason(context.Context, string, []models.MemoryHit) (models.Decision, error) {
	return s.decision, s.err
}

func TestDecideEscalatesOnReasonerFailure(t *testing.T) {
	eng := NewEngine(&stubReasoner{err: errors.New("model unreachable")}, time.Second)

	decision := eng.Decide(context.Background(), models.Observation{}, nil)
	if decision.Verdict != models.VerdictEscalate {
		t.Fatalf("verdict = %v, want escalate on reasoning failure", decision.Verdict)
	}
	if !strings.Contains(decision.Reason, "model unreachable") {
		t.Fatalf("reason = %q, want the underlying failure", decision.Reason)
	}
}

func TestDecideRejectsRemediateWithoutAction(t *testing.T) {
	eng := NewEngine(&stubReasoner{decision: models.Decision{
		Verdict:   models.VerdictRemediate,
		IssueText: "pod crashlooping",
	}}, time.Second)

	decision := eng.Decide(context.Background(), models.Observation{}, nil)
	if decision.Verdict != models.VerdictEscalate {
		t.Fatalf("verdict = %v, want escalate when remediate has no action", decision.Verdict)
	}
}

func TestSummarizeBoundsSections(t *testing.T) {
	long := strings.Repeat("pod-line payments-api Running\n", 500)
	obs := models.Observation{
		Target:    "prod",
		Namespace: "default",
		Timestamp: time.Now().UTC(),
		Sections: map[models.Section]string{
			models.SectionNodes:  "NAME STATUS\nworker-1 Ready",
			models.SectionPods:   long,
			models.SectionEvents: "",
		},
	}

	digest := Summarize(obs, 2000)
	if len(digest) > 2000+3*len(truncationMarker)+200 {
		t.Fatalf("digest length %d exceeds budget", len(digest))
	}
	if !strings.Contains(digest, truncationMarker) {
		t.Fatalf("oversized section was not truncated")
	}
	if !strings.Contains(digest, "worker-1 Ready") {
		t.Fatalf("small section dropped from digest")
	}
	if !strings.Contains(digest, "(empty)") {
		t.Fatalf("empty section not reported")
	}
}

func TestSummarizeReportsPartialFailures(t *testing.T) {
	obs := models.Observation{
		Target:    "prod",
		Timestamp: time.Now().UTC(),
		Sections: map[models.Section]string{
			models.SectionNodes: "worker-1 Ready",
			models.SectionPods:  "",
		},
		PartialFailures: []models.SectionFailure{
			{Section: models.SectionPods, Reason: "connection refused"},
		},
	}

	digest := Summarize(obs, 0)
	if !strings.Contains(digest, "collection failed: connection refused") {
		t.Fatalf("digest does not surface the failed section:\n%s", digest)
	}
}

func TestParseVerdictJSONTolerantOfFences(t *testing.T) {
	cases := []string{
		`{"verdict":"remediate","issue":"x","action":"kubectl cordon worker-1","matched_case":1,"reason":"seen before"}`,
		"```json\n{\"verdict\":\"remediate\",\"issue\":\"x\",\"action\":\"kubectl cordon worker-1\",\"matched_case\":1,\"reason\":\"seen before\"}\n```",
		"The decision is:\n{\"verdict\":\"remediate\",\"issue\":\"x\",\"action\":\"kubectl cordon worker-1\",\"matched_case\":1,\"reason\":\"seen before\"}",
	}
	for i, content := range cases {
		v, err := parseVerdictJSON(content)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if v.Verdict != "remediate" || v.MatchedCase != 1 {
			t.Fatalf("case %d parsed to %+v", i, v)
		}
	}

	if _, err := parseVerdictJSON("I cannot decide."); err == nil {
		t.Fatalf("prose without JSON must fail")
	}
}

func TestLLMReasonerMapsMatchedCase(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		reply := `{"verdict":"remediate","issue":"node worker-1 NotReady","action":"kubectl cordon worker-1","matched_case":1,"reason":"matches a solved case"}`
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, reply)
	}))
	defer server.Close()

	reasoner := NewLLMReasoner(server.URL+"/v1", "test-key", "test-model")
	hits := []models.MemoryHit{{
		Record: models.IssueRecord{
			ID:             "abc123",
			IssueText:      "node worker-1 NotReady",
			SolutionAction: "kubectl cordon worker-1",
			Outcome:        models.OutcomeResolved,
			UseCount:       3,
		},
		Similarity: 0.92,
	}}

	decision, err := reasoner.Reason(context.Background(), "digest", hits)
	if err != nil {
		t.Fatalf("reason: %v", err)
	}
	if decision.Verdict != models.VerdictRemediate {
		t.Fatalf("verdict = %v", decision.Verdict)
	}
	if decision.MatchedRecordID != "abc123" {
		t.Fatalf("matched record = %q, want abc123", decision.MatchedRecordID)
	}
	if decision.Confidence < 0.91 || decision.Confidence > 0.93 {
		t.Fatalf("confidence = %v, want the hit similarity", decision.Confidence)
	}
}

func TestLLMReasonerUnknownVerdictEscalates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply := `{"verdict":"maybe","issue":"odd state","action":"","matched_case":0,"reason":"unsure"}`
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, reply)
	}))
	defer server.Close()

	reasoner := NewLLMReasoner(server.URL+"/v1", "test-key", "test-model")
	decision, err := reasoner.Reason(context.Background(), "digest", nil)
	if err != nil {
		t.Fatalf("reason: %v", err)
	}
	if decision.Verdict != models.VerdictEscalate {
		t.Fatalf("unrecognized verdict must map to escalate, got %v", decision.Verdict)
	}
}
