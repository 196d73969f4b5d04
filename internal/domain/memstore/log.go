package memstore

import (
	"context"
	"sync"

	"issuance/internal/core/id"
)

// AuditEntry is one recorded change.
type AuditEntry struct {
	EntityType string
	EntityID   id.ID
	Action     string
	Changes    map[string]any
}

// Audit is an in-memory audit log.
type Audit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// LogChange records a change.
func (a *Audit) LogChange(_ context.Context, entityType string, entityID id.ID, action string, changes map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, AuditEntry{EntityType: entityType, EntityID: entityID, Action: action, Changes: changes})
	return nil
}

// Actions returns the recorded actions for entityID in order.
func (a *Audit) Actions(entityID id.ID) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		if e.EntityID == entityID {
			out = append(out, e.Action)
		}
	}
	return out
}

// Event is one published event.
type Event struct {
	AggregateType string
	AggregateID   id.ID
	EventType     string
	Payload       any
}

// Events is an in-memory event publisher.
type Events struct {
	mu     sync.Mutex
	events []Event
}

// Publish records an event.
func (e *Events) Publish(_ context.Context, aggregateType string, aggregateID id.ID, eventType string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, Event{AggregateType: aggregateType, AggregateID: aggregateID, EventType: eventType, Payload: payload})
	return nil
}

// Types returns the published event types in order.
func (e *Events) Types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.EventType)
	}
	return out
}
