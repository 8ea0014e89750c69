// Package notify fans a message out to independent, best-effort channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qmoi-io/qmoi-heal/internal/journal"
	"github.com/qmoi-io/qmoi-heal/internal/metrics"
)

// DefaultChannelTimeout bounds one channel send.
const DefaultChannelTimeout = 15 * time.Second

// Severity of a message.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ParseSeverity accepts info, warning (or warn) and error.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	default:
		return "", fmt.Errorf("unknown severity %q (valid: info, warning, error)", s)
	}
}

// Message is a notification. An empty Channels list targets every configured channel.
type Message struct {
	Severity  Severity          `json:"severity"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Channels  []string          `json:"channels,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Channel delivers a message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// ChannelResult is the delivery outcome for one channel.
type ChannelResult struct {
	Channel   string        `json:"channel"`
	Delivered bool          `json:"delivered"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Delivery reports per-channel outcomes in channel order.
type Delivery struct {
	Results []ChannelResult `json:"results"`
}

// Delivered returns the names of channels that accepted the message.
func (d Delivery) Delivered() []string {
	var out []string
	for _, r := range d.Results {
		if r.Delivered {
			out = append(out, r.Channel)
		}
	}
	return out
}

// Failed returns the results of channels that did not accept the message.
func (d Delivery) Failed() []ChannelResult {
	var out []ChannelResult
	for _, r := range d.Results {
		if !r.Delivered {
			out = append(out, r)
		}
	}
	return out
}

// Result returns the outcome for one channel.
func (d Delivery) Result(channel string) (ChannelResult, bool) {
	for _, r := range d.Results {
		if r.Channel == channel {
			return r, true
		}
	}
	return ChannelResult{}, false
}

// Dispatcher sends messages to its channels concurrently.
type Dispatcher struct {
	channels []Channel
	timeout  time.Duration
	journal  journal.Recorder
	runID    string
	log      *slog.Logger
}

// NewDispatcher creates a dispatcher. rec may be nil.
func NewDispatcher(timeout time.Duration, rec journal.Recorder, runID string, channels ...Channel) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultChannelTimeout
	}
	if rec == nil {
		rec = journal.Discard
	}
	return &Dispatcher{
		channels: channels,
		timeout:  timeout,
		journal:  rec,
		runID:    runID,
		log:      slog.Default().With("component", "notify"),
	}
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, c := range d.channels {
		names[i] = c.Name()
	}
	return names
}

// Dispatch attempts every targeted channel exactly once. Failures are logged
// and reported in the Delivery; they never fail the caller. A requested
// channel that is not configured is reported as not delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) Delivery {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Severity == "" {
		msg.Severity = SeverityInfo
	}

	targets := d.channels
	var missing []string
	if len(msg.Channels) > 0 {
		targets = nil
		for _, c := range d.channels {
			if slices.Contains(msg.Channels, c.Name()) {
				targets = append(targets, c)
			}
		}
		for _, name := range msg.Channels {
			if !slices.Contains(d.Channels(), name) {
				missing = append(missing, name)
			}
		}
	}

	results := make([]ChannelResult, len(targets))
	var g errgroup.Group
	for i, c := range targets {
		g.Go(func() error {
			results[i] = d.send(ctx, c, msg)
			return nil
		})
	}
	_ = g.Wait()

	for _, name := range missing {
		results = append(results, ChannelResult{Channel: name, Error: "channel not configured"})
	}

	delivery := Delivery{Results: results}
	d.record(msg, delivery)
	return delivery
}

func (d *Dispatcher) send(ctx context.Context, c Channel, msg Message) (res ChannelResult) {
	res.Channel = c.Name()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Delivered = false
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = time.Since(start)
		outcome := metrics.OutcomeSuccess
		if !res.Delivered {
			outcome = metrics.OutcomeFailure
			d.log.Warn("notification not delivered", "channel", res.Channel, "error", res.Error)
		}
		metrics.NotificationsTotal.WithLabelValues(res.Channel, outcome).Inc()
	}()

	if err := c.Send(ctx, msg); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Delivered = true
	return res
}

func (d *Dispatcher) record(msg Message, delivery Delivery) {
	data := make(map[string]string, len(delivery.Results))
	for _, r := range delivery.Results {
		if r.Delivered {
			data[r.Channel] = metrics.OutcomeSuccess
		} else {
			data[r.Channel] = metrics.OutcomeFailure + ": " + r.Error
		}
	}
	if err := d.journal.Record(journal.Entry{
		RunID:   d.runID,
		Event:   journal.EventNotification,
		Outcome: string(msg.Severity),
		Detail:  msg.Subject,
		Data:    data,
	}); err != nil {
		d.log.Warn("journal write failed", "error", err)
	}
}

// Format renders a message as a single line: "[ERROR] subject: body".
func Format(msg Message) string {
	line := "[" + strings.ToUpper(string(msg.Severity)) + "] " + msg.Subject
	if msg.Body != "" {
		line += ": " + msg.Body
	}
	return line
}
