package streaming

import "context"

// FanoutPublisher publishes to every wrapped publisher. An error from any of
// them is returned, but all publishers are attempted.
type FanoutPublisher struct {
	publishers []Publisher
}

func NewFanoutPublisher(publishers ...Publisher) *FanoutPublisher {
	return &FanoutPublisher{publishers: publishers}
}

func (f *FanoutPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	var firstErr error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, topic, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *FanoutPublisher) Close() error {
	var firstErr error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
