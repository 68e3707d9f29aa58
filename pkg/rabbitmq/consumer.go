package rabbitmq

import (
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// consumerPrefetch caps unacked deliveries per consumer so one slow handler
// cannot buffer the whole queue on a single replica.
const consumerPrefetch = 8

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings declares a durable queue on the given topic exchange
// with one binding per routing key, then dispatches deliveries to the
// matching handler in a background goroutine. A handler returning true acks
// the message; false nacks it back onto the queue for redelivery.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	handlers := make(map[string]func([]byte) bool, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	deliveries, err := c.bindAndConsume(exchange, queueName, handlers)
	if err != nil {
		return err
	}

	go dispatchDeliveries(deliveries, handlers)
	return nil
}

func (c *Consumer) bindAndConsume(exchange, queueName string, handlers map[string]func([]byte) bool) (<-chan amqp.Delivery, error) {
	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind %s to %s: %w", routingKey, exchange, err)
		}
	}

	return c.ch.Consume(q.Name, "", false, false, false, false, nil)
}

func dispatchDeliveries(deliveries <-chan amqp.Delivery, handlers map[string]func([]byte) bool) {
	for d := range deliveries {
		handler, ok := handlers[d.RoutingKey]
		if !ok {
			// Ack and drop; a stray binding must not wedge the queue.
			log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler bound\" routing_key=%s", d.RoutingKey)
			d.Ack(false)
			continue
		}
		if handler(d.Body) {
			d.Ack(false)
		} else {
			log.Printf("level=warn component=rabbitmq_consumer msg=\"handler rejected message; requeueing\" routing_key=%s", d.RoutingKey)
			d.Nack(false, true)
		}
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
