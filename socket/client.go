package socket

import (
	"context"
	"encoding/json"
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

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CheckOrigin allows us to connect from our Next.js dev server
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one websocket connection. It owns a connection to the hub's
// feed and translates wire frames into feed calls.
type Client struct {
	ID     string
	Hub    *Hub
	Conn   *websocket.Conn
	UserID string
	Send   chan []byte

	feed *feed.LocalConn

	mu   sync.Mutex
	subs map[string]*feed.Subscription

	done      chan struct{}
	closeOnce sync.Once
}

func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		ID:     ulid.Make().String(),
		Hub:    hub,
		Conn:   conn,
		UserID: userID,
		Send:   make(chan []byte, sendBuffer),
		feed:   hub.Local.Connect(userID),
		subs:   make(map[string]*feed.Subscription),
		done:   make(chan struct{}),
	}

	select {
	case hub.Register <- client:
	case <-hub.stopped:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// close ends the feed connection, which fails its subscriptions and runs
// its remove-on-disconnect registrations.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.feed.Close(); err != nil {
			logger.Sugar.Warnf("Closing feed connection of %s: %v", c.ID, err)
		}
	})
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.stopped:
			c.close()
		}
		c.Conn.Close()
	}()

	for {
		_, rawMessage, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}

		var req wire.Frame
		if err := json.Unmarshal(rawMessage, &req); err != nil {
			logger.Sugar.Errorf("Error unmarshalling message: %v", err)
			continue
		}
		c.handle(req)
	}
}

func (c *Client) writePump() {
	ticker := c.Hub.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Conn.Close()
				return
			}
		case <-ticker.Chan():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // Connection is dead
			}
		case <-c.done:
			return
		}
	}
}

// send queues a frame. A client that cannot keep up is disconnected.
func (c *Client) send(f wire.Frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		logger.Sugar.Errorf("Encoding %s frame: %v", f.Type, err)
		return
	}
	select {
	case c.Send <- raw:
	case <-c.done:
	default:
		logger.Sugar.Warnf("Client %s is too slow, dropping it", c.ID)
		c.Conn.Close()
	}
}

func (c *Client) handle(req wire.Frame) {
	ctx := context.Background()

	if docID, ok := documentID(req.Path); ok && req.Type != wire.TypeUnsubscribe {
		if err := c.Hub.join(docID, c); err != nil {
			c.send(wire.Fail(req.ID, err))
			return
		}
	}

	switch req.Type {
	case wire.TypeRead:
		snap, err := c.feed.Read(ctx, req.Path)
		if err != nil {
			c.send(wire.Fail(req.ID, err))
			return
		}
		ack := wire.Ack(req.ID)
		ack.Path, ack.Value, ack.Revision = snap.Path, snap.Value, snap.Revision
		c.send(ack)

	case wire.TypeSubscribe:
		sub, err := c.feed.Subscribe(ctx, req.Path)
		if err != nil {
			c.send(wire.Fail(req.ID, err))
			return
		}
		c.mu.Lock()
		if old := c.subs[req.ID]; old != nil {
			c.feed.Unsubscribe(old)
		}
		c.subs[req.ID] = sub
		c.mu.Unlock()
		// The ACK is queued before the first snapshot can be.
		c.send(wire.Ack(req.ID))
		go c.pump(req.ID, sub)

	case wire.TypeUnsubscribe:
		c.mu.Lock()
		sub := c.subs[req.Sub]
		delete(c.subs, req.Sub)
		c.mu.Unlock()
		c.feed.Unsubscribe(sub)
		if req.ID != "" {
			c.send(wire.Ack(req.ID))
		}

	case wire.TypeWrite:
		value := req.Value
		if docID, ok := documentID(req.Path); ok {
			var err error
			if value, err = c.Hub.sanitizeDocument(docID, value); err != nil {
				c.send(wire.Fail(req.ID, err))
				return
			}
		}
		rev, err := c.feed.Write(ctx, req.Path, value)
		c.reply(req.ID, rev, err)

	case wire.TypeUpdate:
		fields := make(map[string]any, len(req.Fields))
		for k, v := range req.Fields {
			fields[k] = v
		}
		if _, ok := documentID(req.Path); ok {
			for _, key := range protectedKeys {
				delete(fields, key)
			}
		}
		rev, err := c.feed.Update(ctx, req.Path, fields)
		c.reply(req.ID, rev, err)

	case wire.TypeRemove:
		c.reply(req.ID, 0, c.feed.Remove(ctx, req.Path))

	case wire.TypeOnDisconnect:
		if _, ok := documentID(req.Path); ok {
			c.send(wire.Fail(req.ID, fmt.Errorf("%w: documents are not removed through the feed", feed.ErrDenied)))
			return
		}
		c.reply(req.ID, 0, c.feed.RemoveOnDisconnect(ctx, req.Path))

	default:
		c.send(wire.Fail(req.ID, fmt.Errorf("%w: unknown request type %q", feed.ErrDenied, req.Type)))
	}
}

func (c *Client) reply(id string, rev int64, err error) {
	if err != nil {
		c.send(wire.Fail(id, err))
		return
	}
	ack := wire.Ack(id)
	ack.Revision = rev
	c.send(ack)
}

// pump forwards one subscription as SNAPSHOT frames. A subscription that
// ends with an error is reported as an ERROR frame carrying its Sub.
func (c *Client) pump(id string, sub *feed.Subscription) {
	for snap := range sub.Updates() {
		c.send(wire.Frame{
			Type:     wire.TypeSnapshot,
			Sub:      id,
			Path:     snap.Path,
			Value:    snap.Value,
			Revision: snap.Revision,
		})
	}
	if err := sub.Err(); err != nil {
		f := wire.Fail("", err)
		f.Sub = id
		c.send(f)
	}
	c.mu.Lock()
	if c.subs[id] == sub {
		delete(c.subs, id)
	}
	c.mu.Unlock()
}
