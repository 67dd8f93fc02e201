package events

import (
	"context"
	"encoding/json"

	"github.com/atelier-ai/atelier/internal/research"
)

// maxRunStreamLen bounds how many updates a single run's stream retains.
const maxRunStreamLen = 1024

// StreamSink publishes research run updates to the run's Redis stream.
type StreamSink struct {
	publisher *Publisher
}

// NewStreamSink wires a sink over the given publisher.
func NewStreamSink(publisher *Publisher) *StreamSink {
	return &StreamSink{publisher: publisher}
}

// Publish implements research.EventSink.
func (s *StreamSink) Publish(ctx context.Context, u research.Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = s.publisher.Publish(ctx, RunStream(u.RunID), Envelope{
		EventType:  EventTypeRunUpdate,
		RunID:      u.RunID,
		OccurredAt: u.Timestamp,
		Data:       data,
	}, WithMaxLenApprox(maxRunStreamLen))
	return err
}
