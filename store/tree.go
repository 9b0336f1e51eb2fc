// Package store holds the revisioned path tree behind every RemoteFeed
// implementation. A path is a slash separated key such as
// "documents/abc" or "presence/abc/user-1". Reading a path that has no
// value of its own yields an object composed of its children, which is how
// a presence channel aggregates one record per user.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

var ErrInvalidPath = errors.New("invalid path")

type node struct {
	value    json.RawMessage
	rev      int64
	children map[string]*node
}

// Tree is safe for concurrent use.
type Tree struct {
	mu    sync.Mutex
	root  *node
	last  int64
	clock clockwork.Clock
}

func NewTree(clock clockwork.Clock) *Tree {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tree{root: &node{}, clock: clock}
}

// Split validates and splits a path into its segments.
func Split(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// Clean returns the canonical form of path.
func Clean(path string) string {
	return strings.Trim(path, "/")
}

// Related reports whether a mutation at one path changes the snapshot of
// the other: equal paths, or one an ancestor of the other.
func Related(a, b string) bool {
	a, b = Clean(a), Clean(b)
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// nextRevision derives a revision from the server clock, forced strictly
// increasing across the tree.
func (t *Tree) nextRevision() int64 {
	rev := t.clock.Now().UnixMilli()
	if rev <= t.last {
		rev = t.last + 1
	}
	t.last = rev
	return rev
}

// Get returns the snapshot at path and its revision. A missing path reads
// as (nil, 0); a removed path reads as (nil, removal revision).
func (t *Tree) Get(path string) (json.RawMessage, int64, error) {
	parts, err := Split(path)
	if err != nil {
		return nil, 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	value, rev := t.get(parts)
	return value, rev, nil
}

func (t *Tree) get(parts []string) (json.RawMessage, int64) {
	n := t.root
	for _, p := range parts {
		if n.value != nil {
			// A leaf value above the requested path.
			return nil, n.rev
		}
		child, ok := n.children[p]
		if !ok {
			return nil, 0
		}
		n = child
	}
	return compose(n), n.rev
}

func compose(n *node) json.RawMessage {
	if n.value != nil {
		return n.value
	}
	if len(n.children) == 0 {
		return nil
	}
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	wrote := false
	for _, k := range keys {
		v := compose(n.children[k])
		if v == nil {
			continue
		}
		if wrote {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(k)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(v)
		wrote = true
	}
	if !wrote {
		return nil
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// walk returns the node for parts, creating intermediate nodes, and bumps
// the revision of every node on the way.
func (t *Tree) walk(parts []string, rev int64) (*node, error) {
	n := t.root
	n.rev = rev
	for i, p := range parts {
		if n.value != nil {
			return nil, fmt.Errorf("%w: %s is below a value", ErrInvalidPath, strings.Join(parts[:i+1], "/"))
		}
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		child, ok := n.children[p]
		if !ok {
			child = &node{}
			n.children[p] = child
		}
		child.rev = rev
		n = child
	}
	return n, nil
}

// Set replaces the value at path. A nil or JSON null value removes it.
// It returns the revision assigned to the mutation.
func (t *Tree) Set(path string, value json.RawMessage) (int64, error) {
	parts, err := Split(path)
	if err != nil {
		return 0, err
	}
	value = bytes.TrimSpace(value)
	if len(value) > 0 && !json.Valid(value) {
		return 0, fmt.Errorf("value for %s is not valid JSON", path)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set(parts, value)
}

func (t *Tree) set(parts []string, value json.RawMessage) (int64, error) {
	if err := t.checkPath(parts); err != nil {
		return 0, err
	}
	rev := t.nextRevision()
	n, err := t.walk(parts, rev)
	if err != nil {
		return 0, err
	}
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		n.value = nil
	} else {
		n.value = append(json.RawMessage(nil), value...)
	}
	n.children = nil
	return rev, nil
}

func (t *Tree) checkPath(parts []string) error {
	n := t.root
	for i, p := range parts[:len(parts)-1] {
		child, ok := n.children[p]
		if !ok {
			return nil
		}
		if child.value != nil {
			return fmt.Errorf("%w: %s is below a value", ErrInvalidPath, strings.Join(parts[:i+2], "/"))
		}
		n = child
	}
	return nil
}

// Update merges top level keys into the object at path. A null field
// deletes that key. A path with no value starts from its composed
// children, or an empty object.
func (t *Tree) Update(path string, fields map[string]json.RawMessage) (int64, error) {
	parts, err := Split(path)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	current, _ := t.get(parts)
	merged := make(map[string]json.RawMessage)
	if current != nil {
		if err := json.Unmarshal(current, &merged); err != nil {
			return 0, fmt.Errorf("cannot update non-object value at %s", path)
		}
	}
	for k, v := range fields {
		v = bytes.TrimSpace(v)
		if len(v) == 0 || bytes.Equal(v, []byte("null")) {
			delete(merged, k)
			continue
		}
		if !json.Valid(v) {
			return 0, fmt.Errorf("field %s for %s is not valid JSON", k, path)
		}
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return 0, err
	}
	return t.set(parts, raw)
}

// Remove deletes the value and subtree at path.
func (t *Tree) Remove(path string) (int64, error) {
	return t.Set(path, nil)
}
