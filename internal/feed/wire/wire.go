// Package wire is the JSON frame format spoken between the websocket feed
// client and the feed server.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"naskahsync/internal/feed"
)

// Request types, sent by clients.
const (
	TypeRead         = "READ"
	TypeSubscribe    = "SUBSCRIBE"
	TypeUnsubscribe  = "UNSUBSCRIBE"
	TypeWrite        = "WRITE"
	TypeUpdate       = "UPDATE"
	TypeRemove       = "REMOVE"
	TypeOnDisconnect = "ON_DISCONNECT"
)

// Server frames.
const (
	TypeAck      = "ACK"
	TypeError    = "ERROR"
	TypeSnapshot = "SNAPSHOT"
)

// Error codes carried by ERROR frames.
const (
	CodeTransient = "transient"
	CodeDenied    = "denied"
	CodeClosed    = "closed"
)

// Frame is one websocket message in either direction. ID correlates a
// request with its ACK or ERROR. Sub names a subscription: the ID of the
// SUBSCRIBE request that opened it.
type Frame struct {
	Type     string                     `json:"type"`
	ID       string                     `json:"id,omitempty"`
	Sub      string                     `json:"sub,omitempty"`
	Path     string                     `json:"path,omitempty"`
	Value    json.RawMessage            `json:"value,omitempty"`
	Fields   map[string]json.RawMessage `json:"fields,omitempty"`
	Revision int64                      `json:"revision,omitempty"`
	Code     string                     `json:"code,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

// Code classifies err for an ERROR frame.
func Code(err error) string {
	switch {
	case errors.Is(err, feed.ErrDenied):
		return CodeDenied
	case errors.Is(err, feed.ErrClosed):
		return CodeClosed
	}
	return CodeTransient
}

// Err turns an ERROR frame back into a feed error.
func (f Frame) Err() error {
	if f.Type != TypeError {
		return nil
	}
	switch f.Code {
	case CodeDenied:
		return fmt.Errorf("%w: %s", feed.ErrDenied, f.Error)
	case CodeClosed:
		return fmt.Errorf("%w: %s", feed.ErrClosed, f.Error)
	}
	return fmt.Errorf("%w: %s", feed.ErrTransient, f.Error)
}

// Ack answers request id.
func Ack(id string) Frame {
	return Frame{Type: TypeAck, ID: id}
}

// Fail answers request id with err.
func Fail(id string, err error) Frame {
	return Frame{Type: TypeError, ID: id, Code: Code(err), Error: err.Error()}
}
