package streaming

import (
	"context"
	"time"
)

// Envelope is the wire form of a published event.
type Envelope struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher delivers events to observers. Publishing is best-effort: a
// failure must never block or fail the state transition that produced the
// event.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}
