package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Each log line is written as soon as it arrives; the writer's default
// batch timeout would hold every synchronous write for a second.
const kafkaBatchTimeout = 5 * time.Millisecond

type KafkaPublisher struct {
	writer *kafka.Writer
}

// DialKafka checks that at least one broker answers before returning a
// writer. Produced messages require no acknowledgement.
func DialKafka(ctx context.Context, hosts []string, topic string) (*KafkaPublisher, error) {
	if len(hosts) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}

	var dialErr error
	connected := false
	for _, host := range hosts {
		conn, err := kafka.DialContext(ctx, "tcp", host)
		if err != nil {
			dialErr = errors.Join(dialErr, err)
			continue
		}
		conn.Close()
		connected = true
		break
	}
	if !connected {
		return nil, fmt.Errorf("kafka: unable to reach brokers: %w", dialErr)
	}

	return newKafkaPublisher(hosts, topic, nil), nil
}

// newKafkaPublisher builds the writer without dialing. A nil transport
// selects kafka-go's default.
func newKafkaPublisher(hosts []string, topic string, transport kafka.RoundTripper) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(hosts...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireNone,
			BatchTimeout:           kafkaBatchTimeout,
			AllowAutoTopicCreation: true,
			Transport:              transport,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		value, err := m.Encode()
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		out = append(out, kafka.Message{Key: m.Key(), Value: value})
	}
	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
