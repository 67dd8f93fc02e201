package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is a consumed stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Tailer follows a stream from a given position, for live consumers such as
// the SSE endpoint. It reads without a consumer group: every consumer sees
// every entry.
type Tailer struct {
	client *redis.Client
	block  time.Duration
}

// NewTailer builds a Tailer. block bounds how long a single Read waits for
// new entries before returning empty.
func NewTailer(client *redis.Client, block time.Duration) *Tailer {
	if block <= 0 {
		block = 5 * time.Second
	}
	return &Tailer{client: client, block: block}
}

// Read returns entries after lastID ("0" for the beginning, "$" for only new
// entries). An empty result means the block window elapsed with no entries.
func (t *Tailer) Read(ctx context.Context, stream, lastID string) ([]Message, error) {
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if lastID == "" {
		lastID = "0"
	}

	streams, err := t.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Block:   t.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xread %s: %w", stream, err)
	}

	var out []Message
	for _, st := range streams {
		for _, msg := range st.Messages {
			raw, ok := msg.Values["envelope"].(string)
			if !ok {
				continue
			}
			env, err := UnmarshalEnvelope([]byte(raw))
			if err != nil {
				continue
			}
			out = append(out, Message{ID: msg.ID, Envelope: env})
		}
	}
	return out, nil
}
