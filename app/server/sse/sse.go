// Package sse provides Server-Sent Events support for the admin event stream.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/tmaxmax/go-sse"

	"github.com/personal-tiny-cloud/tcloud/app/events"
)

// topic is the single stream all subscribers share. Access control happens
// in the route layer before a request ever reaches this handler.
const topic = "events"

// Service handles SSE subscriptions for operational events.
type Service struct {
	server *sse.Server
}

// New creates a new SSE service.
func New() *Service {
	s := &Service{}
	s.server = &sse.Server{
		OnSession: s.onSession,
	}
	return s
}

// ServeHTTP implements http.Handler for SSE subscriptions.
// Extends write deadline to allow long-lived streaming connections.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// extend write deadline for SSE - this connection will be long-lived
	// http.ResponseController (Go 1.20+) allows extending the deadline
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		// if we can't disable timeout, set a very long one (24 hours)
		if err2 := rc.SetWriteDeadline(time.Now().Add(24 * time.Hour)); err2 != nil {
			log.Printf("[DEBUG] sse: could not set write deadline: %v, %v", err, err2)
		}
	}

	s.server.ServeHTTP(w, r)
}

// onSession subscribes every accepted connection to the shared topic.
func (s *Service) onSession(_ http.ResponseWriter, r *http.Request) ([]string, bool) {
	log.Printf("[DEBUG] sse subscription from %s", r.RemoteAddr)
	return []string{topic}, true
}

// Broadcast sends an event to all subscribers. Implements events.Sink.
func (s *Service) Broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[WARN] sse: failed to marshal event: %v", err)
		return
	}

	msg := &sse.Message{}
	msg.AppendData(string(data))
	msg.Type = sse.Type("event")

	if err := s.server.Publish(msg, topic); err != nil {
		log.Printf("[WARN] sse: failed to publish event: %v", err)
		return
	}
	log.Printf("[DEBUG] sse: published %s event", ev.Action)
}

// Shutdown gracefully shuts down the SSE server.
func (s *Service) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown sse server: %w", err)
	}
	return nil
}
