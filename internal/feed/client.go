// Package feed owns the push subscriptions of the sync core. A Client opens
// one Handle per scope; the handle drives the connection state machine,
// retries transient failures and forwards change events in backend order.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-jobsync/internal/connstate"
	"github.com/npezzotti/go-jobsync/internal/stats"
	"github.com/npezzotti/go-jobsync/internal/types"
)

var (
	ErrClosed           = errors.New("feed client closed")
	ErrHandshakeTimeout = errors.New("subscription handshake timed out")
	ErrChannelClosed    = errors.New("channel closed by backend")
)

// Channel is one backend subscription. Status reports SUBSCRIBED once the
// backend acknowledged it and an error status when it breaks.
type Channel interface {
	Events() <-chan Event
	Status() <-chan types.ChannelStatus
	Close() error
}

// Transport opens backend subscriptions.
type Transport interface {
	Subscribe(ctx context.Context, scope types.Scope) (Channel, error)
}

type Client struct {
	transport        Transport
	policy           connstate.Policy
	clock            connstate.Clock
	handshakeTimeout time.Duration
	log              *log.Logger
	stats            stats.StatsProvider

	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool
}

type Option func(*Client)

func WithPolicy(p connstate.Policy) Option {
	return func(c *Client) { c.policy = p }
}

func WithClock(clock connstate.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

func WithStats(s stats.StatsProvider) Option {
	return func(c *Client) { c.stats = s }
}

func NewClient(transport Transport, logger *log.Logger, opts ...Option) *Client {
	c := &Client{
		transport:        transport,
		policy:           connstate.DefaultPolicy(),
		clock:            connstate.SystemClock,
		handshakeTimeout: connstate.DefaultHandshakeTimeout,
		log:              logger,
		stats:            stats.Noop{},
		handles:          make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open starts a subscription for scope and returns immediately with the
// handle in the connecting state.
func (c *Client) Open(ctx context.Context, scope types.Scope) (*Handle, error) {
	if scope.IsZero() {
		return nil, fmt.Errorf("open: empty scope")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	// the handle outlives ctx; only Close ends it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := newHandle(c, scope, cancel)
	c.handles[h] = struct{}{}
	c.stats.Incr(stats.ActiveSubscriptions)
	go h.run(runCtx)

	return h, nil
}

func (c *Client) release(h *Handle) {
	c.mu.Lock()
	delete(c.handles, h)
	c.mu.Unlock()
	c.stats.Decr(stats.ActiveSubscriptions)
}

// Close closes every open handle and waits until their backend channels are
// released.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	handles := make([]*Handle, 0, len(c.handles))
	for h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}
