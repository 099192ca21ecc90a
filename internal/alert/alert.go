// Package alert tells parents about session lifecycle events on the chat
// platforms they configured.
package alert

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/nestwatch/internal/activity"
	"github.com/zulandar/nestwatch/internal/metrics"
)

// Kind names a lifecycle event.
type Kind string

const (
	SessionStarted     Kind = "session_started"
	SessionEnded       Kind = "session_ended"
	SessionInterrupted Kind = "session_interrupted"
	PrivacyEnabled     Kind = "privacy_enabled"
	PrivacyExpired     Kind = "privacy_expired"
)

// sendTimeout bounds one notifier call, including its rate-limit retries.
const sendTimeout = 30 * time.Second

// Event is one thing a parent may want to hear about.
type Event struct {
	Kind            Kind
	DeviceID        string
	ParentID        string
	SessionID       string
	EndedBy         string
	Reason          string
	DurationSeconds int
	Minutes         int
	At              time.Time
}

// Notifier delivers events to one platform.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, e Event) error
}

// Message is an Event rendered for chat.
type Message struct {
	Title  string
	Body   string
	Color  string // hex, e.g. "#36a64f"
	Fields []Field
}

// Field is a key-value pair shown under a message.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Format renders e into a platform-neutral Message.
func Format(e Event) Message {
	m := Message{
		Fields: []Field{{Name: "Device", Value: e.DeviceID, Short: true}},
	}
	if e.SessionID != "" {
		m.Fields = append(m.Fields, Field{Name: "Session", Value: e.SessionID, Short: true})
	}

	switch e.Kind {
	case SessionStarted:
		m.Title = fmt.Sprintf("Monitoring started on %s", e.DeviceID)
		m.Color = "#2eb886"
		if e.ParentID != "" {
			m.Body = fmt.Sprintf("Started by %s.", e.ParentID)
		}
	case SessionEnded:
		m.Title = fmt.Sprintf("Monitoring ended on %s", e.DeviceID)
		m.Color = "#439fe0"
		m.Body = fmt.Sprintf("Ended by %s after %s.", e.EndedBy, activity.FormatDuration(e.DurationSeconds))
		m.Fields = append(m.Fields, Field{Name: "Duration", Value: activity.FormatDuration(e.DurationSeconds), Short: true})
	case SessionInterrupted:
		m.Title = fmt.Sprintf("Monitoring interrupted on %s", e.DeviceID)
		m.Color = "#daa038"
		m.Body = fmt.Sprintf("Closed by the system after %s.", activity.FormatDuration(e.DurationSeconds))
		if e.Reason != "" {
			m.Fields = append(m.Fields, Field{Name: "Reason", Value: e.Reason, Short: true})
		}
	case PrivacyEnabled:
		m.Title = fmt.Sprintf("Privacy mode on for %s", e.DeviceID)
		m.Color = "#9b59b6"
		m.Body = fmt.Sprintf("New monitoring sessions are blocked for %d minutes.", e.Minutes)
	case PrivacyExpired:
		m.Title = fmt.Sprintf("Privacy mode ended on %s", e.DeviceID)
		m.Color = "#95a5a6"
		m.Body = "Monitoring is available again."
	default:
		m.Title = fmt.Sprintf("%s on %s", e.Kind, e.DeviceID)
	}
	return m
}

// Dispatcher fans events out to notifiers on a single worker goroutine.
// Publish never blocks; events that do not fit in the queue are dropped.
type Dispatcher struct {
	notifiers []Notifier
	queue     chan Event
}

// NewDispatcher creates a Dispatcher with a queue of size events.
func NewDispatcher(size int, notifiers ...Notifier) *Dispatcher {
	if size < 1 {
		size = 1
	}
	return &Dispatcher{
		notifiers: notifiers,
		queue:     make(chan Event, size),
	}
}

// Enabled reports whether any notifier is configured. A nil Dispatcher is disabled.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.notifiers) > 0
}

// Publish enqueues e. It reports false when the event was dropped.
func (d *Dispatcher) Publish(e Event) bool {
	if !d.Enabled() {
		return false
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case d.queue <- e:
		return true
	default:
		metrics.AlertsDropped.Inc()
		log.Printf("alert: queue full, dropping %s for %s", e.Kind, e.DeviceID)
		return false
	}
}

// Run delivers queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.queue:
			d.deliver(ctx, e)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	for _, n := range d.notifiers {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := n.Notify(sendCtx, e)
		cancel()
		metrics.TrackAlert(n.Name(), err)
		if err != nil {
			log.Printf("alert: %s: %s for %s: %v", n.Name(), e.Kind, e.DeviceID, err)
		}
	}
}
