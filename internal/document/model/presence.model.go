package model

import (
	"bytes"
	"encoding/json"
	"time"
)

type PresenceStatus string

const (
	StatusEditing PresenceStatus = "editing"
	StatusIdle    PresenceStatus = "idle"
)

// PresenceRecord marks a user as participating in a document.
// LastActive is a unix millisecond timestamp taken from the writer's clock.
type PresenceRecord struct {
	UserID       string         `json:"userId"`
	DisplayName  string         `json:"displayName"`
	ColorTag     string         `json:"colorTag"`
	Status       PresenceStatus `json:"status"`
	LastActive   int64          `json:"lastActive"`
	FocusedField Field          `json:"focusedField,omitempty"`
}

// Stale reports whether the record is older than ttl at now.
func (p PresenceRecord) Stale(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-p.LastActive > ttl.Milliseconds()
}

// CursorRecord is the approximate edit position of one collaborator.
type CursorRecord struct {
	UserID       string `json:"userId"`
	Offset       int    `json:"offset"`
	SelectionEnd int    `json:"selectionEnd"`
	ColorTag     string `json:"colorTag"`
	Timestamp    int64  `json:"timestamp"`
}

func (c CursorRecord) Stale(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-c.Timestamp > ttl.Milliseconds()
}

// DecodePresence reads a {userId: record} channel snapshot. Entries that do
// not decode, or whose key disagrees with the embedded user id, are
// dropped.
func DecodePresence(raw json.RawMessage) map[string]PresenceRecord {
	out := make(map[string]PresenceRecord)
	for user, entry := range decodeChildren(raw) {
		var rec PresenceRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			continue
		}
		if rec.UserID == "" {
			rec.UserID = user
		}
		if rec.UserID != user {
			continue
		}
		if rec.Status != StatusEditing && rec.Status != StatusIdle {
			rec.Status = StatusIdle
		}
		out[user] = rec
	}
	return out
}

// DecodeCursors reads a {userId: record} channel snapshot.
func DecodeCursors(raw json.RawMessage) map[string]CursorRecord {
	out := make(map[string]CursorRecord)
	for user, entry := range decodeChildren(raw) {
		var rec CursorRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			continue
		}
		if rec.UserID == "" {
			rec.UserID = user
		}
		if rec.UserID != user || rec.Offset < 0 {
			continue
		}
		if rec.SelectionEnd < rec.Offset {
			rec.SelectionEnd = rec.Offset
		}
		out[user] = rec
	}
	return out
}

func decodeChildren(raw json.RawMessage) map[string]json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var children map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &children); err != nil {
		return nil
	}
	return children
}

// Identity is the local user as shown to collaborators.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	ColorTag    string `json:"colorTag"`
}
