// Package events provides the append-only event log: a recorder used by every
// cleaner after a state mutation, and the read paths the monitors aggregate
// over.
package events

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/cyclemgr/internal/observability"
	"github.com/agentforge/cyclemgr/internal/store"
	"github.com/agentforge/cyclemgr/internal/streaming"
)

// Recorder appends structured events and fans them out to the stream
// publisher. Insertion failures propagate (the store is the source of truth);
// publish failures never do.
type Recorder struct {
	store     store.Store
	publisher streaming.Publisher
}

// NewRecorder creates a Recorder. publisher may be nil.
func NewRecorder(s store.Store, publisher streaming.Publisher) *Recorder {
	return &Recorder{store: s, publisher: publisher}
}

// WithStore returns a Recorder bound to a different store, typically the
// transaction-scoped store inside RunInTransaction, so the event row commits
// with the mutation it describes. Fan-out still happens at insert time, so
// stream observers may briefly see an event whose transaction later rolls
// back; the durable event log is the source of truth, the stream is
// best-effort observability.
func (r *Recorder) WithStore(s store.Store) *Recorder {
	return &Recorder{store: s, publisher: r.publisher}
}

// Record inserts one event row and returns its id. agentID may be empty.
func (r *Recorder) Record(ctx context.Context, eventType, entityType, entityID, agentID string, payload map[string]any) (string, error) {
	e := &store.Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		AgentID:    agentID,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
	if err := r.store.InsertEvent(ctx, e); err != nil {
		return "", err
	}
	observability.EventsRecorded.WithLabelValues(eventType).Inc()

	if r.publisher != nil {
		go r.publishAsync(e)
	}
	return e.ID, nil
}

// publishAsync pushes the event to the stream publisher. Best-effort:
// events are for observability, not control flow, so outages are logged and
// metered but never surface to the cleaner that recorded the event.
func (r *Recorder) publishAsync(e *store.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.publisher.Publish(ctx, e.Type, e); err != nil {
		log.Printf("Event publish failed (non-critical): %v", err)
		observability.EventPublishFailures.WithLabelValues(e.Type).Inc()
	}
}

// CountByTypePrefix counts events whose type starts with prefix in [from, to).
func (r *Recorder) CountByTypePrefix(ctx context.Context, prefix string, from, to time.Time) (int, error) {
	return r.store.CountEventsByTypePrefix(ctx, prefix, from, to)
}

// ListRange returns events created in [from, to), oldest first.
func (r *Recorder) ListRange(ctx context.Context, from, to time.Time) ([]*store.Event, error) {
	return r.store.ListEventsInRange(ctx, from, to)
}
