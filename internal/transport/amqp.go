package transport

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/npezzotti/go-jobsync/internal/feed"
	"github.com/npezzotti/go-jobsync/internal/types"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP subscribes with an exclusive queue bound to a topic exchange, using
// the scope topic as routing key.
type AMQP struct {
	url      string
	exchange string
	log      *log.Logger
}

func NewAMQP(url, exchange string, logger *log.Logger) *AMQP {
	return &AMQP{url: url, exchange: exchange, log: logger}
}

func (a *AMQP) declare(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil)
}

func (a *AMQP) Subscribe(ctx context.Context, scope types.Scope) (feed.Channel, error) {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	amqpCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	deliveries, err := a.consume(amqpCh, scope)
	if err != nil {
		conn.Close()
		return nil, err
	}

	ch := &amqpChannel{
		channel:  newChannel(scope, a.log),
		conn:     conn,
		amqpCh:   amqpCh,
		closeErr: conn.NotifyClose(make(chan *amqp.Error, 1)),
	}
	// the consumer is registered, so the subscription is live
	ch.setStatus(types.StatusSubscribed)

	ch.wg.Add(1)
	go ch.receive(deliveries)

	return ch, nil
}

func (a *AMQP) consume(ch *amqp.Channel, scope types.Scope) (<-chan amqp.Delivery, error) {
	if err := a.declare(ch); err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", a.exchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, scope.Topic(), a.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind %s: %w", scope, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", scope, err)
	}
	return deliveries, nil
}

// Publish sends an encoded change envelope to the exchange with the scope
// topic as routing key.
func (a *AMQP) Publish(ctx context.Context, scope types.Scope, payload []byte) error {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := a.declare(ch); err != nil {
		return fmt.Errorf("declare exchange %q: %w", a.exchange, err)
	}
	err = ch.PublishWithContext(ctx, a.exchange, scope.Topic(), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", scope, err)
	}
	return nil
}

type amqpChannel struct {
	*channel
	conn     *amqp.Connection
	amqpCh   *amqp.Channel
	closeErr chan *amqp.Error
}

func (c *amqpChannel) receive(deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stop:
			return
		case d, ok := <-deliveries:
			if !ok {
				c.setStatus(types.StatusChannelError)
				return
			}
			c.deliver(d.Body)
		case err := <-c.closeErr:
			if err != nil {
				c.log.Printf("amqp %s: connection closed: %v", c.scope, err)
			}
			c.setStatus(types.StatusChannelError)
			return
		}
	}
}

func (c *amqpChannel) Close() error {
	return c.shutdown(func() error {
		return errors.Join(c.amqpCh.Close(), c.conn.Close())
	})
}
