package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecodePresence(t *testing.T) {
	raw := json.RawMessage(`{
		"alice": {"userId": "alice", "status": "editing", "lastActive": 1000},
		"bob": {"status": "dancing"},
		"eve": {"userId": "mallory", "status": "editing"},
		"bad": 7
	}`)
	got := DecodePresence(raw)

	assert.Len(t, got, 2)
	assert.Equal(t, StatusEditing, got["alice"].Status)
	assert.Equal(t, "bob", got["bob"].UserID)
	assert.Equal(t, StatusIdle, got["bob"].Status, "unknown status reads as idle")
	assert.NotContains(t, got, "eve", "a record filed under someone else is dropped")

	assert.Empty(t, DecodePresence(nil))
	assert.Empty(t, DecodePresence(json.RawMessage(`"nope"`)))
}

func TestDecodeCursors(t *testing.T) {
	raw := json.RawMessage(`{
		"alice": {"offset": 4, "selectionEnd": 2},
		"bob": {"offset": -1},
		"carol": {"offset": 3, "selectionEnd": 9}
	}`)
	got := DecodeCursors(raw)

	assert.Len(t, got, 2)
	assert.Equal(t, 4, got["alice"].SelectionEnd)
	assert.Equal(t, 9, got["carol"].SelectionEnd)
	assert.NotContains(t, got, "bob")
}

func TestStale(t *testing.T) {
	now := time.UnixMilli(100_000)

	assert.False(t, PresenceRecord{LastActive: 70_000}.Stale(now, 30*time.Second))
	assert.True(t, PresenceRecord{LastActive: 69_999}.Stale(now, 30*time.Second))
	assert.False(t, CursorRecord{Timestamp: 90_000}.Stale(now, 10*time.Second))
	assert.True(t, CursorRecord{Timestamp: 89_000}.Stale(now, 10*time.Second))
}
