package transport

import (
	"context"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-jobsync/internal/feed"
	"github.com/npezzotti/go-jobsync/internal/types"
)

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	listenerPingInterval = 90 * time.Second
)

// Postgres subscribes with LISTEN on the scope topic. The notify triggers
// installed by the database migrations publish the change envelope as the
// notification payload.
type Postgres struct {
	dsn string
	log *log.Logger
}

func NewPostgres(dsn string, logger *log.Logger) *Postgres {
	return &Postgres{dsn: dsn, log: logger}
}

func (p *Postgres) Subscribe(ctx context.Context, scope types.Scope) (feed.Channel, error) {
	ch := &pgChannel{channel: newChannel(scope, p.log)}
	ch.listener = pq.NewListener(p.dsn, minReconnectInterval, maxReconnectInterval, ch.onListenerEvent)

	// Listen blocks until the listener is connected, so the handshake runs
	// in the background and reports through the status channel.
	ch.wg.Add(2)
	go ch.listen()
	go ch.receive()

	return ch, nil
}

type pgChannel struct {
	*channel
	listener *pq.Listener
}

func (c *pgChannel) listen() {
	defer c.wg.Done()

	if err := c.listener.Listen(c.scope.Topic()); err != nil {
		if !c.stopped() {
			c.log.Printf("pg %s: listen: %v", c.scope, err)
			c.setStatus(types.StatusChannelError)
		}
		return
	}
	c.setStatus(types.StatusSubscribed)
}

func (c *pgChannel) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		if c.stopped() {
			return
		}
		c.log.Printf("pg %s: listener event %d: %v", c.scope, ev, err)
		c.setStatus(types.StatusChannelError)
	}
}

func (c *pgChannel) receive() {
	ticker := time.NewTicker(listenerPingInterval)
	defer func() {
		ticker.Stop()
		c.wg.Done()
	}()

	for {
		select {
		case <-c.stop:
			return
		case n, ok := <-c.listener.Notify:
			if !ok {
				return
			}
			// nil is sent after a reconnect
			if n == nil {
				continue
			}
			c.deliver([]byte(n.Extra))
		case <-ticker.C:
			if err := c.listener.Ping(); err != nil {
				c.log.Printf("pg %s: ping: %v", c.scope, err)
			}
		}
	}
}

func (c *pgChannel) Close() error {
	return c.shutdown(c.listener.Close)
}
