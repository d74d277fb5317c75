package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher publishes to a durable queue named after the topic.
type AMQPPublisher struct {
	conn  *amqp091.Connection
	ch    *amqp091.Channel
	queue string
	mu    sync.Mutex
}

func DialAMQP(ctx context.Context, url, topic string) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: %w", err)
	}

	q, err := ch.QueueDeclare(topic, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: %w", err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, queue: q.Name}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, msgs ...Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range msgs {
		body, err := m.Encode()
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp091.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	_ = p.ch.Close()
	return p.conn.Close()
}
