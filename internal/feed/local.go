package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"naskahsync/pkg/logger"
	"naskahsync/store"
)

// Op names a mutating request for authorization hooks.
type Op string

const (
	OpWrite  Op = "write"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
	OpRead   Op = "read"
)

// Mutation describes one applied change, for observers such as a
// persistence worker.
type Mutation struct {
	Path     string
	UserID   string
	Value    json.RawMessage
	Revision int64
}

// Local is an in-process feed server. Every Connect call returns a
// connection that behaves like a remote client: it can drop (Disconnect),
// come back (Reconnect) and register remove-on-disconnect paths.
type Local struct {
	tree *store.Tree

	mu        sync.Mutex
	subs      map[*Subscription]*LocalConn
	authorize func(userID string, op Op, path string) error
	observers []func(Mutation)
}

func NewLocal(clock clockwork.Clock) *Local {
	return &Local{
		tree: store.NewTree(clock),
		subs: make(map[*Subscription]*LocalConn),
	}
}

func (l *Local) Tree() *store.Tree { return l.tree }

// SetAuthorizer installs a check run before every read and mutation.
func (l *Local) SetAuthorizer(fn func(userID string, op Op, path string) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authorize = fn
}

// Observe registers fn to be called after every applied mutation.
func (l *Local) Observe(fn func(Mutation)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Seed sets a value without notifying observers, for loading persisted
// state.
func (l *Local) Seed(path string, value json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rev, err := l.tree.Set(path, value)
	if err != nil {
		return err
	}
	l.publish(path, rev)
	return nil
}

func (l *Local) Connect(userID string) *LocalConn {
	return &LocalConn{
		local:        l,
		userID:       userID,
		onDisconnect: make(map[string]bool),
	}
}

func (l *Local) check(userID string, op Op, path string) error {
	if _, err := store.Split(path); err != nil {
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}
	if l.authorize == nil {
		return nil
	}
	if err := l.authorize(userID, op, path); err != nil {
		if errors.Is(err, ErrDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}
	return nil
}

// mutate applies fn under the server lock and fans the result out.
func (l *Local) mutate(userID string, op Op, path string, fn func() (int64, error)) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.check(userID, op, path); err != nil {
		return 0, err
	}
	rev, err := fn()
	if err != nil {
		if errors.Is(err, store.ErrInvalidPath) {
			return 0, fmt.Errorf("%w: %v", ErrDenied, err)
		}
		return 0, err
	}
	l.publish(path, rev)

	value, _, _ := l.tree.Get(path)
	m := Mutation{Path: store.Clean(path), UserID: userID, Value: value, Revision: rev}
	for _, obs := range l.observers {
		obs(m)
	}
	return rev, nil
}

// publish must be called with l.mu held.
func (l *Local) publish(path string, rev int64) {
	for sub := range l.subs {
		if !store.Related(sub.Path(), path) {
			continue
		}
		value, subRev, err := l.tree.Get(sub.Path())
		if err != nil {
			continue
		}
		if subRev < rev {
			// A descendant below a replaced value keeps no revision of its own.
			subRev = rev
		}
		sub.Deliver(Snapshot{Path: sub.Path(), Value: value, Revision: subRev})
	}
}

// LocalConn is one client connection to a Local feed.
type LocalConn struct {
	local  *Local
	userID string

	mu           sync.Mutex
	offline      bool
	closed       bool
	failWrites   int
	subs         map[*Subscription]bool
	onDisconnect map[string]bool
}

var _ Feed = (*LocalConn)(nil)

func (c *LocalConn) UserID() string { return c.userID }

func (c *LocalConn) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.offline {
		return fmt.Errorf("%w: connection offline", ErrTransient)
	}
	return nil
}

// FailWrites makes the next n mutations fail with ErrTransient.
func (c *LocalConn) FailWrites(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWrites = n
}

func (c *LocalConn) writable() error {
	if err := c.ready(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites > 0 {
		c.failWrites--
		return fmt.Errorf("%w: injected write failure", ErrTransient)
	}
	return nil
}

func (c *LocalConn) Read(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if err := c.ready(); err != nil {
		return Snapshot{}, err
	}
	c.local.mu.Lock()
	defer c.local.mu.Unlock()
	if err := c.local.check(c.userID, OpRead, path); err != nil {
		return Snapshot{}, err
	}
	value, rev, err := c.local.tree.Get(path)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: path, Value: value, Revision: rev}, nil
}

func (c *LocalConn) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.ready(); err != nil {
		return nil, err
	}
	sub := NewSubscription(path)

	c.mu.Lock()
	if c.subs == nil {
		c.subs = make(map[*Subscription]bool)
	}
	c.subs[sub] = true
	c.mu.Unlock()

	c.local.mu.Lock()
	defer c.local.mu.Unlock()
	if err := c.local.check(c.userID, OpRead, path); err != nil {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		sub.Close()
		return nil, err
	}
	value, rev, _ := c.local.tree.Get(path)
	c.local.subs[sub] = c
	sub.Deliver(Snapshot{Path: path, Value: value, Revision: rev})
	return sub, nil
}

func (c *LocalConn) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c.local.mu.Lock()
	delete(c.local.subs, sub)
	c.local.mu.Unlock()

	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
	sub.Close()
}

func (c *LocalConn) Write(ctx context.Context, path string, value any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	raw, err := Encode(value)
	if err != nil {
		return 0, err
	}
	if err := c.writable(); err != nil {
		return 0, err
	}
	return c.local.mutate(c.userID, OpWrite, path, func() (int64, error) {
		return c.local.tree.Set(path, raw)
	})
}

func (c *LocalConn) Update(ctx context.Context, path string, fields map[string]any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	raw, err := EncodeFields(fields)
	if err != nil {
		return 0, err
	}
	if err := c.writable(); err != nil {
		return 0, err
	}
	return c.local.mutate(c.userID, OpUpdate, path, func() (int64, error) {
		return c.local.tree.Update(path, raw)
	})
}

func (c *LocalConn) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.writable(); err != nil {
		return err
	}
	_, err := c.local.mutate(c.userID, OpRemove, path, func() (int64, error) {
		return c.local.tree.Remove(path)
	})
	return err
}

func (c *LocalConn) RemoveOnDisconnect(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.ready(); err != nil {
		return err
	}
	if _, err := store.Split(path); err != nil {
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect[store.Clean(path)] = true
	return nil
}

// Disconnect simulates an abrupt network loss: every subscription fails
// with ErrSubscriptionLost, remove-on-disconnect paths are deleted by the
// server, and requests fail with ErrTransient until Reconnect.
func (c *LocalConn) Disconnect() {
	c.mu.Lock()
	if c.offline || c.closed {
		c.mu.Unlock()
		return
	}
	c.offline = true
	c.mu.Unlock()
	c.drop(ErrSubscriptionLost)
}

// DisconnectSilently drops the connection without running the
// remove-on-disconnect hooks, like a server that never noticed.
func (c *LocalConn) DisconnectSilently() {
	c.mu.Lock()
	c.offline = true
	c.onDisconnect = make(map[string]bool)
	c.mu.Unlock()
	c.drop(ErrSubscriptionLost)
}

func (c *LocalConn) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = false
}

// Close ends the connection for good. Remove-on-disconnect paths are
// deleted as the server would on a graceful close.
func (c *LocalConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.drop(ErrClosed)
	return nil
}

func (c *LocalConn) drop(reason error) {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	paths := make([]string, 0, len(c.onDisconnect))
	for p := range c.onDisconnect {
		paths = append(paths, p)
	}
	c.onDisconnect = make(map[string]bool)
	c.mu.Unlock()

	c.local.mu.Lock()
	for sub := range subs {
		delete(c.local.subs, sub)
	}
	c.local.mu.Unlock()
	for sub := range subs {
		sub.Fail(reason)
	}

	for _, p := range paths {
		if _, err := c.local.mutate(c.userID, OpRemove, p, func() (int64, error) {
			return c.local.tree.Remove(p)
		}); err != nil {
			logger.Sugar.Warnf("remove-on-disconnect for %s failed: %v", p, err)
		}
	}
}
