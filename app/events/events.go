// Package events carries operational notifications from the services that
// produce them to the admin stream, without coupling either side. Publishing
// never blocks: the bus buffers and drops on overflow.
package events

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
)

// Action identifies what happened.
type Action string

// Actions published by the core services.
const (
	ActionUserRegistered  Action = "user_registered"
	ActionUserDeleted     Action = "user_deleted"
	ActionLogin           Action = "login"
	ActionLoginFailed     Action = "login_failed"
	ActionSessionsRotated Action = "sessions_rotated"
	ActionTokenCreated    Action = "token_created"
	ActionTokenConsumed   Action = "token_consumed"
	ActionPluginError     Action = "plugin_error"
)

// Event is a single operational notification. User is the plain username,
// never the full userid, and Detail must stay free of secrets.
type Event struct {
	ID        string `json:"id"`
	Action    Action `json:"action"`
	User      string `json:"user,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Sink receives forwarded events.
type Sink interface {
	Broadcast(ev Event)
}

// Bus is a buffered fan-in for operational events.
type Bus struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewBus creates a bus with the given buffer size, falling back to a sane
// default for non-positive values.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 64
	}
	return &Bus{ch: make(chan Event, buffer)}
}

// Publish stamps and queues an event. When the buffer is full the event is
// dropped and counted, the caller is never delayed.
func (b *Bus) Publish(action Action, user, detail string) {
	ev := Event{
		ID:        uuid.NewString(),
		Action:    action,
		User:      user,
		Detail:    detail,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	select {
	case b.ch <- ev:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[WARN] event buffer full, dropped %d events so far", n)
		}
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Run launches forwarding of queued events to sink, running until the
// context is canceled.
func (b *Bus) Run(ctx context.Context, sink Sink) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				log.Printf("[INFO] event forwarder stopped")
				return
			case ev := <-b.ch:
				sink.Broadcast(ev)
			}
		}
	}()

	log.Printf("[INFO] event forwarder started (buffer: %d)", cap(b.ch))
}
