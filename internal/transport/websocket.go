package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-jobsync/internal/feed"
	"github.com/npezzotti/go-jobsync/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

const (
	frameJoin   = "join"
	frameLeave  = "leave"
	frameReply  = "reply"
	frameChange = "change"
	frameError  = "error"
)

// frame is one message on the realtime socket.
type frame struct {
	Event   string          `json:"event"`
	Topic   string          `json:"topic,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type reply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// WebSocket subscribes over a realtime socket, one connection per scope.
type WebSocket struct {
	url    string
	token  string
	dialer *websocket.Dialer
	log    *log.Logger
}

func NewWebSocket(rawURL, token string, logger *log.Logger) *WebSocket {
	return &WebSocket{
		url:    rawURL,
		token:  token,
		dialer: websocket.DefaultDialer,
		log:    logger,
	}
}

func (w *WebSocket) Subscribe(ctx context.Context, scope types.Scope) (feed.Channel, error) {
	u, err := url.Parse(w.url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if w.token != "" {
		q := u.Query()
		q.Set("token", w.token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := w.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	ch := &wsChannel{
		channel: newChannel(scope, w.log),
		conn:    conn,
		ref:     uuid.NewString(),
	}
	if err := ch.write(frame{Event: frameJoin, Topic: scope.Topic(), Ref: ch.ref}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join %s: %w", scope, err)
	}

	ch.wg.Add(2)
	go ch.read()
	go ch.ping()

	return ch, nil
}

type wsChannel struct {
	*channel
	conn *websocket.Conn
	ref  string
}

func (c *wsChannel) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) read() {
	defer c.wg.Done()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.stopped() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Printf("ws %s: read: %v", c.scope, err)
			}
			c.setStatus(types.StatusChannelError)
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Printf("ws %s: error parsing frame: %v", c.scope, err)
			continue
		}

		switch f.Event {
		case frameReply:
			if f.Ref != c.ref {
				continue
			}
			var r reply
			if err := json.Unmarshal(f.Payload, &r); err != nil || r.Status != "ok" {
				c.log.Printf("ws %s: join rejected: %s", c.scope, r.Reason)
				c.setStatus(types.StatusChannelError)
				continue
			}
			c.setStatus(types.StatusSubscribed)
		case frameChange:
			c.deliver(f.Payload)
		case frameError:
			c.setStatus(types.StatusChannelError)
		}
	}
}

func (c *wsChannel) ping() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.wg.Done()
	}()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Printf("ws %s: ping: %v", c.scope, err)
				return
			}
		}
	}
}

func (c *wsChannel) Close() error {
	return c.shutdown(func() error {
		if err := c.write(frame{Event: frameLeave, Topic: c.scope.Topic(), Ref: c.ref}); err != nil {
			c.log.Printf("ws %s: leave: %v", c.scope, err)
		}
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		return c.conn.Close()
	})
}
