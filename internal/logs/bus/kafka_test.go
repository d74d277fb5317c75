package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/protocol/metadata"
	"github.com/segmentio/kafka-go/protocol/produce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker answers metadata and produce requests in memory.
type fakeBroker struct {
	topic string

	mu       sync.Mutex
	produced int
}

func (b *fakeBroker) RoundTrip(ctx context.Context, addr net.Addr, req kafka.Request) (kafka.Response, error) {
	switch r := req.(type) {
	case *metadata.Request:
		return &metadata.Response{
			Brokers: []metadata.ResponseBroker{{NodeID: 1, Host: "localhost", Port: 9092}},
			Topics: []metadata.ResponseTopic{{
				Name:       b.topic,
				Partitions: []metadata.ResponsePartition{{PartitionIndex: 0, LeaderID: 1}},
			}},
		}, nil
	case *produce.Request:
		b.mu.Lock()
		for _, t := range r.Topics {
			for _, p := range t.Partitions {
				if p.RecordSet.Records == nil {
					continue
				}
				n, err := countRecords(p.RecordSet.Records)
				if err != nil {
					b.mu.Unlock()
					return nil, err
				}
				b.produced += n
			}
		}
		b.mu.Unlock()
		return &produce.Response{
			Topics: []produce.ResponseTopic{{
				Topic:      b.topic,
				Partitions: []produce.ResponsePartition{{Partition: 0}},
			}},
		}, nil
	default:
		return nil, fmt.Errorf("unexpected request %T", req)
	}
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.produced
}

func countRecords(records kafka.RecordReader) (int, error) {
	n := 0
	for {
		_, err := records.ReadRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		n++
	}
}

func TestKafkaPublisher_WritesEachLinePromptly(t *testing.T) {
	broker := &fakeBroker{topic: "alamobuildlogs"}
	p := newKafkaPublisher([]string{"localhost:9092"}, "alamobuildlogs", broker)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const lines = 5
	for i := 1; i <= lines; i++ {
		start := time.Now()
		require.NoError(t, p.Publish(ctx, NewMessage("api-default", 7, fmt.Sprintf("Step %d/5", i))))
		assert.Less(t, time.Since(start), 250*time.Millisecond, "publish %d", i)
	}

	assert.Equal(t, lines, broker.count())
}

func TestKafkaPublisher_EmptyPublish(t *testing.T) {
	broker := &fakeBroker{topic: "alamobuildlogs"}
	p := newKafkaPublisher([]string{"localhost:9092"}, "alamobuildlogs", broker)
	defer p.Close()

	require.NoError(t, p.Publish(context.Background()))
	assert.Equal(t, 0, broker.count())
}
