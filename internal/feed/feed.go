// Package feed defines the RemoteFeed contract the sync engine consumes:
// one-shot reads, push subscriptions, whole-value writes, partial updates,
// removal and remove-on-disconnect registration.
//
// A Snapshot with a nil Value means "no data yet" at that path. It is never
// an error.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTransient is a network or availability failure worth retrying.
	ErrTransient = errors.New("transient feed failure")
	// ErrSubscriptionLost ends a subscription whose connection dropped.
	// Consumers resubscribe after a fixed delay.
	ErrSubscriptionLost = errors.New("subscription lost")
	// ErrDenied is a permanent refusal (authorization, invalid path).
	ErrDenied = errors.New("feed request denied")
	// ErrClosed is returned after the feed connection was closed for good.
	ErrClosed = errors.New("feed closed")
)

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrDenied) && !errors.Is(err, ErrClosed)
}

type Snapshot struct {
	Path     string          `json:"path"`
	Value    json.RawMessage `json:"value"`
	Revision int64           `json:"revision"`
}

// Empty reports whether the snapshot carries no data.
func (s Snapshot) Empty() bool {
	return len(s.Value) == 0 || string(s.Value) == "null"
}

type Feed interface {
	Read(ctx context.Context, path string) (Snapshot, error)
	// Subscribe delivers the current snapshot of path and every later
	// change until Unsubscribe or connection loss.
	Subscribe(ctx context.Context, path string) (*Subscription, error)
	Unsubscribe(sub *Subscription)
	// Write replaces the value at path and returns the server revision.
	Write(ctx context.Context, path string, value any) (int64, error)
	// Update merges top level fields into the object at path.
	Update(ctx context.Context, path string, fields map[string]any) (int64, error)
	Remove(ctx context.Context, path string) error
	// RemoveOnDisconnect asks the server to delete path when this
	// connection goes away, gracefully or not. It is best effort.
	RemoveOnDisconnect(ctx context.Context, path string) error
}

// Encode marshals a value for the wire. json.RawMessage passes through.
func Encode(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: raw value is not JSON", ErrDenied)
		}
		return v, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDenied, err)
	}
	return raw, nil
}

// EncodeFields marshals every field of a partial update.
func EncodeFields(fields map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := Encode(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}
