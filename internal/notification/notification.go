// Package notification tells operators when a provisioning run finishes.
// The Dispatcher plugs into the run journal and fans terminal transitions
// out to the configured channels (webhook, Slack).
//
// Messages carry run IDs, states, failure kinds and subjects only. Secret
// values never reach this package.
package notification

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/seedvault/internal/audit"
)

// Run states that can trigger a notification.
const (
	OnReady  = "ready"
	OnFailed = "failed"
)

const sendTimeout = 15 * time.Second

// Sender is a single notification channel.
type Sender interface {
	// Type returns the channel type identifier ("webhook", "slack").
	Type() string
	// Name returns the operator-chosen channel name.
	Name() string
	// Send delivers msg.
	Send(ctx context.Context, msg *Message) error
}

// Message is the payload sent through a channel.
type Message struct {
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Dispatcher sends a message to every sender when a run reaches one of the
// watched states. It implements audit.Journal; delivery is asynchronous so
// a slow channel never holds up a run.
type Dispatcher struct {
	senders []Sender
	on      map[string]bool
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. An empty on list watches failed runs only.
func NewDispatcher(senders []Sender, on []string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if len(on) == 0 {
		on = []string{OnFailed}
	}
	watch := make(map[string]bool, len(on))
	for _, s := range on {
		watch[s] = true
	}
	return &Dispatcher{senders: senders, on: watch, logger: logger}
}

// Record notifies on watched terminal transitions and ignores the rest.
func (d *Dispatcher) Record(ctx context.Context, event audit.Event) error {
	if !d.on[event.State] || len(d.senders) == 0 {
		return nil
	}
	msg := messageFor(event)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		d.Notify(sendCtx, msg)
	}()
	return nil
}

// Notify sends msg to every channel and returns per-channel errors keyed by
// channel name (nil = delivered).
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) map[string]error {
	results := make(map[string]error, len(d.senders))
	for _, s := range d.senders {
		err := s.Send(ctx, msg)
		results[s.Name()] = err
		if err != nil {
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("channel", s.Name()),
				slog.String("type", s.Type()),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.logger.InfoContext(ctx, "notification sent",
			slog.String("channel", s.Name()),
			slog.String("type", s.Type()),
		)
	}
	return results
}

// Close waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

func messageFor(e audit.Event) *Message {
	msg := &Message{
		Subject: fmt.Sprintf("seedvault run %s %s", e.RunID, e.State),
		Metadata: map[string]string{
			"run_id": e.RunID,
			"state":  e.State,
		},
	}
	if e.Trigger != "" {
		msg.Metadata["trigger"] = e.Trigger
	}
	switch {
	case e.Kind != "" && e.Subject != "":
		msg.Body = fmt.Sprintf("Run %s failed with %s on %s.", e.RunID, e.Kind, e.Subject)
	case e.Kind != "":
		msg.Body = fmt.Sprintf("Run %s failed with %s.", e.RunID, e.Kind)
	default:
		msg.Body = fmt.Sprintf("Run %s is %s.", e.RunID, e.State)
	}
	if e.Kind != "" {
		msg.Metadata["kind"] = e.Kind
	}
	if e.Subject != "" {
		msg.Metadata["subject"] = e.Subject
	}
	return msg
}

var _ audit.Journal = (*Dispatcher)(nil)
