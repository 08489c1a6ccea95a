// Package notify delivers escalation messages to the configured channels.
// Delivery is fire-and-forget from the loop's point of view: a dead channel
// is logged and counted, never allowed to stall an iteration.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentinelstack/sentinel-agent/internal/metrics"
	"github.com/sentinelstack/sentinel-agent/internal/models"
)

// Message is one escalation to deliver.
type Message struct {
	Severity  models.Severity
	Subject   string
	Body      string
	Target    string
	Timestamp time.Time
}

// Sink delivers a message to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Delivery reports the outcome of one channel's attempt.
type Delivery struct {
	Channel string
	Err     error
}

// Notifier fans a message out to every sink concurrently, each under its
// own timeout.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

// NewNotifier builds a notifier over the given sinks.
func NewNotifier(sinks []Sink, channelTimeout time.Duration, logger *slog.Logger) *Notifier {
	if channelTimeout <= 0 {
		channelTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sinks: sinks, timeout: channelTimeout, logger: logger}
}

// Channels reports how many sinks are configured.
func (n *Notifier) Channels() int { return len(n.sinks) }

// Notify sends the message to every sink and collects per-channel results.
// It returns once every channel has finished or timed out; individual
// failures never abort the fan-out.
func (n *Notifier) Notify(ctx context.Context, msg Message) []Delivery {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	deliveries := make([]Delivery, len(n.sinks))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for i, sink := range n.sinks {
		i, sink := i, sink
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
			defer cancel()

			err := sink.Send(sendCtx, msg)
			metrics.ObserveEscalation(sink.Name(), err == nil)
			if err != nil {
				n.logger.Warn("escalation delivery failed",
					"channel", sink.Name(),
					"severity", msg.Severity,
					"error", err)
			} else {
				n.logger.Info("escalation delivered",
					"channel", sink.Name(),
					"severity", msg.Severity)
			}

			mu.Lock()
			deliveries[i] = Delivery{Channel: sink.Name(), Err: err}
			mu.Unlock()
			// Errors stay in the report; returning one would cancel
			// the sibling sends.
			return nil
		})
	}
	_ = g.Wait()
	return deliveries
}
