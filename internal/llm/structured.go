package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultStructuredAttempts is how many times a structured generation is
// tried before giving up.
const DefaultStructuredAttempts = 3

// StructuredOptions tunes GenerateStructured.
type StructuredOptions[T any] struct {
	// MaxAttempts caps the generate/parse loop. Zero means
	// DefaultStructuredAttempts.
	MaxAttempts int
	// Validate, when set, runs after a successful decode and may reject the
	// value; rejection counts as a failed attempt.
	Validate func(T) error
}

// StructuredError is returned when every attempt produced output that could
// not be decoded or validated.
type StructuredError struct {
	Attempts int
	LastErr  error
}

func (e StructuredError) Error() string {
	return fmt.Sprintf("structured output failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e StructuredError) Unwrap() error { return e.LastErr }

// GenerateStructured asks the provider for JSON and decodes it into T. On a
// decode or validation failure the malformed output and the error are fed
// back to the model as conversation turns and the request is retried, up to
// MaxAttempts times.
func GenerateStructured[T any](ctx context.Context, p Provider, req Request, opts StructuredOptions[T]) (T, error) {
	var zero T

	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultStructuredAttempts
	}
	req.JSONMode = true
	messages := append([]Message(nil), req.Messages...)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		req.Messages = messages
		resp, err := p.Generate(ctx, req)
		if err != nil {
			return zero, err
		}

		var value T
		text := stripFences(resp.Text)
		if err := json.Unmarshal([]byte(text), &value); err != nil {
			lastErr = fmt.Errorf("invalid JSON: %w", err)
		} else if opts.Validate != nil {
			lastErr = opts.Validate(value)
		} else {
			lastErr = nil
		}
		if lastErr == nil {
			return value, nil
		}

		messages = append(messages,
			Message{Role: RoleAssistant, Content: resp.Text},
			Message{Role: RoleUser, Content: fmt.Sprintf(
				"Your previous response could not be used: %v. Respond again with only valid JSON matching the requested schema.", lastErr)},
		)
	}

	return zero, StructuredError{Attempts: attempts, LastErr: lastErr}
}

// stripFences removes a surrounding markdown code fence, which some models
// emit even in JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
