package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type ListItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// ShoppingList is a shared singleton resource: any authenticated identity
// may write it. UpdatedAt is the writer's local clock in unix milliseconds.
type ShoppingList struct {
	Items     []ListItem `json:"items"`
	UpdatedAt int64      `json:"updatedAt"`
	UpdatedBy string     `json:"updatedBy"`
	Revision  int64      `json:"revision,omitempty"`
}

// DecodeShoppingList validates a remote list payload. Items without an id
// are dropped.
func DecodeShoppingList(raw json.RawMessage) (ShoppingList, error) {
	var list ShoppingList
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return list, ErrMalformed
	}
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return list, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	items := list.Items[:0]
	for _, it := range list.Items {
		if it.ID != "" {
			items = append(items, it)
		}
	}
	list.Items = items
	if list.Items == nil {
		list.Items = []ListItem{}
	}
	return list, nil
}
