package transport

import (
	"context"
	"fmt"
	"log"

	"github.com/npezzotti/go-jobsync/internal/feed"
	"github.com/npezzotti/go-jobsync/internal/types"
	"github.com/redis/go-redis/v9"
)

// Redis subscribes to a pub/sub channel named after the scope topic.
type Redis struct {
	client *redis.Client
	log    *log.Logger
}

func NewRedis(client *redis.Client, logger *log.Logger) *Redis {
	return &Redis{client: client, log: logger}
}

func (r *Redis) Subscribe(ctx context.Context, scope types.Scope) (feed.Channel, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	ch := &redisChannel{
		channel: newChannel(scope, r.log),
		pubsub:  r.client.Subscribe(subCtx, scope.Topic()),
		cancel:  cancel,
	}

	ch.wg.Add(1)
	go ch.receive(subCtx)

	return ch, nil
}

// Publish sends an encoded change envelope to every subscriber of scope.
func (r *Redis) Publish(ctx context.Context, scope types.Scope, payload []byte) error {
	if err := r.client.Publish(ctx, scope.Topic(), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", scope, err)
	}
	return nil
}

type redisChannel struct {
	*channel
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func (c *redisChannel) receive(ctx context.Context) {
	defer c.wg.Done()

	// the first reply is the subscription confirmation
	if _, err := c.pubsub.Receive(ctx); err != nil {
		if !c.stopped() {
			c.log.Printf("redis %s: subscribe: %v", c.scope, err)
			c.setStatus(types.StatusChannelError)
		}
		return
	}
	c.setStatus(types.StatusSubscribed)

	msgs := c.pubsub.Channel()
	for {
		select {
		case <-c.stop:
			return
		case msg, ok := <-msgs:
			if !ok {
				c.setStatus(types.StatusChannelError)
				return
			}
			c.deliver([]byte(msg.Payload))
		}
	}
}

func (c *redisChannel) Close() error {
	return c.shutdown(func() error {
		c.cancel()
		return c.pubsub.Close()
	})
}
