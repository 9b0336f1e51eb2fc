// Package wsfeed implements feed.Feed over a websocket connection to the
// feed server. A dropped socket fails every subscription with
// feed.ErrSubscriptionLost and every pending request with
// feed.ErrTransient. The next request dials again.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"naskahsync/internal/feed"
	"naskahsync/internal/feed/wire"
	"naskahsync/pkg/logger"
)

const writeWait = 10 * time.Second

// session is one websocket connection and the requests riding on it.
type session struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	dead    bool
	pending map[string]chan wire.Frame
	subs    map[string]*feed.Subscription
}

type Conn struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu      sync.Mutex
	current *session
	closed  bool
	ids     map[*feed.Subscription]string
	owners  map[*feed.Subscription]*session
}

var _ feed.Feed = (*Conn)(nil)

// Dial connects to the feed server at url, authenticating with a bearer
// token.
func Dial(ctx context.Context, url, token string) (*Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	c := &Conn{
		url:    url,
		header: header,
		dialer: websocket.DefaultDialer,
		ids:    make(map[*feed.Subscription]string),
		owners: make(map[*feed.Subscription]*session),
	}
	if _, err := c.session(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// session returns the live connection, dialing a new one if the last
// one dropped.
func (c *Conn) session(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, feed.ErrClosed
	}
	if c.current != nil {
		return c.current, nil
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: dial %s: %s", feed.ErrDenied, c.url, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", feed.ErrTransient, c.url, err)
	}
	s := &session{
		ws:      ws,
		pending: make(map[string]chan wire.Frame),
		subs:    make(map[string]*feed.Subscription),
	}
	c.current = s
	go c.readLoop(s)
	return s, nil
}

func (c *Conn) readLoop(s *session) {
	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			c.drop(s, err)
			return
		}
		var f wire.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Sugar.Warnf("Dropping undecodable frame: %v", err)
			continue
		}
		c.route(s, f)
	}
}

func (c *Conn) route(s *session, f wire.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case f.Type == wire.TypeSnapshot:
		if sub := s.subs[f.Sub]; sub != nil {
			sub.Deliver(feed.Snapshot{Path: f.Path, Value: f.Value, Revision: f.Revision})
		}
	case f.ID != "":
		if ch, ok := s.pending[f.ID]; ok {
			delete(s.pending, f.ID)
			ch <- f
		}
	case f.Type == wire.TypeError && f.Sub != "":
		// The server ended a subscription.
		if sub := s.subs[f.Sub]; sub != nil {
			delete(s.subs, f.Sub)
			sub.Fail(f.Err())
		}
	}
}

// drop retires a session whose socket failed.
func (c *Conn) drop(s *session, cause error) {
	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	closed := c.closed
	c.mu.Unlock()

	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	pending, subs := s.pending, s.subs
	s.pending, s.subs = nil, nil
	s.mu.Unlock()
	s.ws.Close()

	lost := feed.ErrSubscriptionLost
	if closed {
		lost = feed.ErrClosed
	} else {
		logger.Sugar.Warnf("Feed connection to %s lost: %v", c.url, cause)
	}
	for id, ch := range pending {
		ch <- wire.Fail(id, fmt.Errorf("%w: connection lost", feed.ErrTransient))
	}
	for _, sub := range subs {
		sub.Fail(lost)
	}
}

func (s *session) write(f wire.Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("%w: %v", feed.ErrDenied, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: %v", feed.ErrTransient, err)
	}
	return nil
}

// roundTrip sends a request and waits for its ACK. register, when set,
// runs before the request is written, under the session lock.
func (c *Conn) roundTrip(ctx context.Context, f wire.Frame, register func(*session)) (wire.Frame, *session, error) {
	if err := ctx.Err(); err != nil {
		return wire.Frame{}, nil, err
	}
	s, err := c.session(ctx)
	if err != nil {
		return wire.Frame{}, nil, err
	}
	if f.ID == "" {
		f.ID = ulid.Make().String()
	}
	ch := make(chan wire.Frame, 1)

	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return wire.Frame{}, nil, fmt.Errorf("%w: connection lost", feed.ErrTransient)
	}
	s.pending[f.ID] = ch
	if register != nil {
		register(s)
	}
	s.mu.Unlock()

	if err := s.write(f); err != nil {
		c.forget(s, f.ID)
		c.drop(s, err)
		return wire.Frame{}, s, err
	}

	select {
	case reply := <-ch:
		if err := reply.Err(); err != nil {
			return reply, s, err
		}
		return reply, s, nil
	case <-ctx.Done():
		c.forget(s, f.ID)
		return wire.Frame{}, s, ctx.Err()
	}
}

func (c *Conn) forget(s *session, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (c *Conn) Read(ctx context.Context, path string) (feed.Snapshot, error) {
	reply, _, err := c.roundTrip(ctx, wire.Frame{Type: wire.TypeRead, Path: path}, nil)
	if err != nil {
		return feed.Snapshot{}, err
	}
	return feed.Snapshot{Path: path, Value: reply.Value, Revision: reply.Revision}, nil
}

func (c *Conn) Subscribe(ctx context.Context, path string) (*feed.Subscription, error) {
	sub := feed.NewSubscription(path)
	id := ulid.Make().String()

	// The first snapshot may arrive right behind the ACK, so the
	// subscription is routable before the request goes out.
	_, s, err := c.roundTrip(ctx, wire.Frame{Type: wire.TypeSubscribe, ID: id, Path: path}, func(s *session) {
		s.subs[id] = sub
	})
	if err != nil {
		if s != nil {
			s.mu.Lock()
			if s.subs != nil {
				delete(s.subs, id)
			}
			s.mu.Unlock()
		}
		sub.Close()
		return nil, err
	}

	c.mu.Lock()
	c.ids[sub] = id
	c.owners[sub] = s
	c.mu.Unlock()
	return sub, nil
}

func (c *Conn) Unsubscribe(sub *feed.Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	id, s := c.ids[sub], c.owners[sub]
	delete(c.ids, sub)
	delete(c.owners, sub)
	c.mu.Unlock()
	sub.Close()
	if s == nil {
		return
	}

	s.mu.Lock()
	live := !s.dead && s.subs[id] == sub
	if live {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if live {
		// Best effort; a dead socket ends it server side anyway.
		if err := s.write(wire.Frame{Type: wire.TypeUnsubscribe, Sub: id}); err != nil {
			logger.Sugar.Debugf("Unsubscribe from %s not sent: %v", sub.Path(), err)
		}
	}
}

func (c *Conn) Write(ctx context.Context, path string, value any) (int64, error) {
	raw, err := feed.Encode(value)
	if err != nil {
		return 0, err
	}
	reply, _, err := c.roundTrip(ctx, wire.Frame{Type: wire.TypeWrite, Path: path, Value: raw}, nil)
	return reply.Revision, err
}

func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) (int64, error) {
	raw, err := feed.EncodeFields(fields)
	if err != nil {
		return 0, err
	}
	reply, _, err := c.roundTrip(ctx, wire.Frame{Type: wire.TypeUpdate, Path: path, Fields: raw}, nil)
	return reply.Revision, err
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	_, _, err := c.roundTrip(ctx, wire.Frame{Type: wire.TypeRemove, Path: path}, nil)
	return err
}

func (c *Conn) RemoveOnDisconnect(ctx context.Context, path string) error {
	_, _, err := c.roundTrip(ctx, wire.Frame{Type: wire.TypeOnDisconnect, Path: path}, nil)
	return err
}

// Close ends the connection for good. The server runs this connection's
// remove-on-disconnect registrations.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	s.writeMu.Lock()
	err := s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	s.writeMu.Unlock()
	c.drop(s, feed.ErrClosed)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %v", feed.ErrTransient, err)
	}
	return nil
}
