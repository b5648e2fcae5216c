package streaming

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// LogPublisher writes events to the process log. It is the fallback when no
// stream hub is wired (standalone or test runs).
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{
		logger: log.Default(),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	env := Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "cycle-manager",
	}

	envBytes, _ := json.Marshal(env)
	p.logger.Printf("[STREAMING] PUBLISH %s: %s", topic, string(envBytes))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
