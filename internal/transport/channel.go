// Package transport implements feed.Transport on top of the backends the
// sync core can subscribe through.
package transport

import (
	"fmt"
	"log"
	"sync"

	"github.com/npezzotti/go-jobsync/internal/cache"
	"github.com/npezzotti/go-jobsync/internal/config"
	"github.com/npezzotti/go-jobsync/internal/feed"
	"github.com/npezzotti/go-jobsync/internal/types"
)

// channel is the part every backend subscription shares: the output
// channels, the stop signal and the goroutines that feed them.
type channel struct {
	scope  types.Scope
	log    *log.Logger
	events chan feed.Event
	status chan types.ChannelStatus
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func newChannel(scope types.Scope, logger *log.Logger) *channel {
	return &channel{
		scope:  scope,
		log:    logger,
		events: make(chan feed.Event, 256),
		status: make(chan types.ChannelStatus, 4),
		stop:   make(chan struct{}),
	}
}

func (c *channel) Events() <-chan feed.Event {
	return c.events
}

func (c *channel) Status() <-chan types.ChannelStatus {
	return c.status
}

func (c *channel) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *channel) setStatus(st types.ChannelStatus) {
	if c.stopped() {
		return
	}
	select {
	case c.status <- st:
	case <-c.stop:
	}
}

// deliver decodes payload and forwards it. Payloads that cannot be decoded
// are logged and skipped.
func (c *channel) deliver(payload []byte) {
	ev, err := feed.DecodeEvent(c.scope, payload)
	if err != nil {
		c.log.Printf("%s: dropping payload: %v", c.scope, err)
		return
	}
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

// shutdown stops the goroutines, runs release and closes the outputs once
// nothing can write to them anymore.
func (c *channel) shutdown(release func() error) error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		err = release()
		c.wg.Wait()
		close(c.events)
		close(c.status)
	})
	return err
}

// New builds the transport selected by cfg.FeedTransport.
func New(cfg *config.Config, logger *log.Logger) (feed.Transport, error) {
	switch cfg.FeedTransport {
	case config.TransportWebSocket:
		return NewWebSocket(cfg.WebSocketURL, cfg.ViewerToken, logger), nil
	case config.TransportPostgres:
		return NewPostgres(cfg.DatabaseDSN, logger), nil
	case config.TransportRedis:
		client, err := cache.NewClient(cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		return NewRedis(client, logger), nil
	case config.TransportAMQP:
		return NewAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger), nil
	default:
		return nil, fmt.Errorf("unknown feed transport %q", cfg.FeedTransport)
	}
}
