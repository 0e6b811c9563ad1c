// Package feedtest provides an in-memory feed.Transport for tests.
package feedtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/npezzotti/go-jobsync/internal/feed"
	"github.com/npezzotti/go-jobsync/internal/types"
)

// Transport records every subscribe and close so tests can assert on the
// order of operations across scopes.
type Transport struct {
	// AutoAck makes new channels report SUBSCRIBED right away.
	AutoAck bool
	// SubscribeErr, when set, is returned by Subscribe.
	SubscribeErr func(scope types.Scope) error

	mu       sync.Mutex
	ops      []string
	channels []*Channel
	live     map[types.Scope]int
	maxLive  map[types.Scope]int
	opened   chan *Channel
}

func NewTransport() *Transport {
	return &Transport{
		live:    make(map[types.Scope]int),
		maxLive: make(map[types.Scope]int),
		opened:  make(chan *Channel, 64),
	}
}

func (t *Transport) Subscribe(ctx context.Context, scope types.Scope) (feed.Channel, error) {
	if t.SubscribeErr != nil {
		if err := t.SubscribeErr(scope); err != nil {
			t.mu.Lock()
			t.ops = append(t.ops, "fail "+scope.Topic())
			t.mu.Unlock()
			return nil, err
		}
	}

	ch := &Channel{
		scope:  scope,
		t:      t,
		events: make(chan feed.Event, 64),
		status: make(chan types.ChannelStatus, 8),
	}

	t.mu.Lock()
	t.ops = append(t.ops, "open "+scope.Topic())
	t.channels = append(t.channels, ch)
	t.live[scope]++
	if t.live[scope] > t.maxLive[scope] {
		t.maxLive[scope] = t.live[scope]
	}
	t.mu.Unlock()

	if t.AutoAck {
		ch.Ack()
	}
	t.opened <- ch
	return ch, nil
}

// Opened delivers every channel as it is subscribed.
func (t *Transport) Opened() <-chan *Channel {
	return t.opened
}

func (t *Transport) Ops() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ops...)
}

// Live returns the number of open channels for scope.
func (t *Transport) Live(scope types.Scope) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live[scope]
}

// MaxLive returns the highest number of simultaneously open channels ever
// observed for scope.
func (t *Transport) MaxLive(scope types.Scope) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxLive[scope]
}

// Channels returns every channel subscribed so far, oldest first.
func (t *Transport) Channels() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Channel(nil), t.channels...)
}

type Channel struct {
	scope  types.Scope
	t      *Transport
	events chan feed.Event
	status chan types.ChannelStatus

	mu     sync.Mutex
	closed bool
}

func (c *Channel) Scope() types.Scope {
	return c.scope
}

func (c *Channel) Events() <-chan feed.Event {
	return c.events
}

func (c *Channel) Status() <-chan types.ChannelStatus {
	return c.status
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("channel %s already closed", c.scope)
	}
	c.closed = true
	close(c.events)
	close(c.status)

	c.t.mu.Lock()
	c.t.ops = append(c.t.ops, "close "+c.scope.Topic())
	c.t.live[c.scope]--
	c.t.mu.Unlock()
	return nil
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Ack() {
	c.SetStatus(types.StatusSubscribed)
}

func (c *Channel) Fail() {
	c.SetStatus(types.StatusChannelError)
}

// SetStatus reports status on the channel. It is a no-op once closed.
func (c *Channel) SetStatus(status types.ChannelStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.status <- status
}

// Push delivers an event on the channel. It is a no-op once closed.
func (c *Channel) Push(ev feed.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// InsertMessage pushes an INSERT event for msg.
func (c *Channel) InsertMessage(msg types.Message) {
	c.Push(feed.Event{Type: feed.EventInsert, Scope: c.scope, Message: &msg})
}

// UpdateMessage pushes an UPDATE event for msg.
func (c *Channel) UpdateMessage(msg types.Message) {
	c.Push(feed.Event{Type: feed.EventUpdate, Scope: c.scope, Message: &msg})
}

// InsertNotification pushes an INSERT event for n.
func (c *Channel) InsertNotification(n types.Notification) {
	c.Push(feed.Event{Type: feed.EventInsert, Scope: c.scope, Notification: &n})
}
