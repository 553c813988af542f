package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/options-gate/internal/outbox"
)

// AuditEntryType tags approval events in a shared outbox file.
const AuditEntryType = "approval_audit"

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	ID        string    `json:"id"`
	EventType string    `json:"event_type"`
	Hash      string    `json:"hash"`
	Event     string    `json:"event"`
	Status    Status    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Time      time.Time `json:"ts"`
}

// AuditSink receives audit events. Implementations may fail; the store logs
// the failure and carries on.
type AuditSink interface {
	Append(ctx context.Context, ev AuditEvent) error
}

// OutboxSink writes audit events as JSON lines.
type OutboxSink struct {
	ob *outbox.Outbox
}

func NewOutboxSink(ob *outbox.Outbox) *OutboxSink { return &OutboxSink{ob: ob} }

func (s *OutboxSink) Append(_ context.Context, ev AuditEvent) error {
	return s.ob.Append(AuditEntryType, ev.Time, ev)
}

// History returns the events recorded for hash ("" returns all), oldest first.
func (s *OutboxSink) History(hash string) ([]AuditEvent, error) {
	var out []AuditEvent
	var decodeErr error
	err := s.ob.Scan(AuditEntryType, func(e outbox.Entry) bool {
		var ev AuditEvent
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			decodeErr = fmt.Errorf("decode audit event: %w", err)
			return false
		}
		if hash == "" || ev.Hash == hash {
			out = append(out, ev)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Append(context.Context, AuditEvent) error { return nil }

// MemorySink keeps events in memory. It is safe for concurrent use.
type MemorySink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (m *MemorySink) Append(_ context.Context, ev AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemorySink) Events() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEvent(nil), m.events...)
}

// Count returns how many events for hash carry the given event name.
func (m *MemorySink) Count(hash, event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Hash == hash && ev.Event == event {
			n++
		}
	}
	return n
}
