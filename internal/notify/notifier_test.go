package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-agent/internal/models"
)

type stubSink struct {
	name  string
	err   error
	delay time.Duration
	sent  []Message
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Send(ctx context.Context, msg Message) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.sent = append(s.sent, msg)
	return s.err
}

func TestNotifyFanOutSurvivesChannelFailure(t *testing.T) {
	healthy := &stubSink{name: "slack"}
	broken := &stubSink{name: "teams", err: errors.New("webhook gone")}
	notifier := NewNotifier([]Sink{healthy, broken}, time.Second, nil)

	deliveries := notifier.Notify(context.Background(), Message{
		Severity: models.SeverityCritical,
		Subject:  "node NotReady",
		Body:     "worker-1 stopped reporting",
	})

	if len(deliveries) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(deliveries))
	}
	byChannel := map[string]error{}
	for _, d := range deliveries {
		byChannel[d.Channel] = d.Err
	}
	if byChannel["slack"] != nil {
		t.Fatalf("healthy channel failed: %v", byChannel["slack"])
	}
	if byChannel["teams"] == nil {
		t.Fatalf("broken channel reported success")
	}
	if len(healthy.sent) != 1 {
		t.Fatalf("healthy channel got %d messages, want 1", len(healthy.sent))
	}
}

func TestNotifyTimesOutSlowChannel(t *testing.T) {
	slow := &stubSink{name: "email", delay: time.Second}
	fast := &stubSink{name: "slack"}
	notifier := NewNotifier([]Sink{slow, fast}, 30*time.Millisecond, nil)

	start := time.Now()
	deliveries := notifier.Notify(context.Background(), Message{Severity: models.SeverityWarning, Subject: "x"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("fan-out took %v, slow channel must be cut by its timeout", elapsed)
	}

	for _, d := range deliveries {
		if d.Channel == "email" && d.Err == nil {
			t.Fatalf("slow channel should have timed out")
		}
		if d.Channel == "slack" && d.Err != nil {
			t.Fatalf("fast channel failed: %v", d.Err)
		}
	}
}

func TestSlackSinkPayload(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewSlackSink(server.URL, server.Client())
	err := sink.Send(context.Background(), Message{
		Severity:  models.SeverityCritical,
		Subject:   "node NotReady",
		Body:      "worker-1 stopped reporting",
		Target:    "prod",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	attachments, ok := captured["attachments"].([]any)
	if !ok || len(attachments) != 1 {
		t.Fatalf("payload attachments = %v", captured["attachments"])
	}
	attachment := attachments[0].(map[string]any)
	if attachment["color"] != "#ff0000" {
		t.Fatalf("critical color = %v, want #ff0000", attachment["color"])
	}
	if attachment["title"] != "node NotReady" {
		t.Fatalf("title = %v", attachment["title"])
	}
}

func TestSlackSinkNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer server.Close()

	sink := NewSlackSink(server.URL, server.Client())
	if err := sink.Send(context.Background(), Message{Subject: "x"}); err == nil {
		t.Fatalf("expected error on 400 response")
	}
}

func TestTeamsSinkPayload(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewTeamsSink(server.URL, server.Client())
	err := sink.Send(context.Background(), Message{
		Severity:  models.SeverityWarning,
		Subject:   "pods pending",
		Body:      "3 pods unschedulable",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if captured["@type"] != "MessageCard" {
		t.Fatalf("@type = %v", captured["@type"])
	}
	if captured["themeColor"] != "ffd700" {
		t.Fatalf("warning themeColor = %v, want ffd700", captured["themeColor"])
	}
}

func TestEmailSinkSubjectAndRecipients(t *testing.T) {
	sink := NewEmailSink("mail.internal", 587, "agent", "secret", "agent@example.com", "oncall@example.com, sre@example.com")

	var gotAddr, gotFrom string
	var gotTo []string
	var gotBody []byte
	sink.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotBody = addr, from, to, msg
		return nil
	}

	err := sink.Send(context.Background(), Message{
		Severity:  models.SeverityCritical,
		Subject:   "node NotReady",
		Body:      "worker-1 stopped reporting",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAddr != "mail.internal:587" {
		t.Fatalf("addr = %q", gotAddr)
	}
	if gotFrom != "agent@example.com" || len(gotTo) != 2 {
		t.Fatalf("from = %q, to = %v", gotFrom, gotTo)
	}
	if !strings.Contains(string(gotBody), "Subject: [CRITICAL] node NotReady") {
		t.Fatalf("subject line missing severity tag:\n%s", gotBody)
	}
}
