// Package bus publishes build log lines to a streaming bus.
package bus

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

const DefaultTopic = "alamobuildlogs"

// Message is the wire shape consumed by log aggregation.
type Message struct {
	Metadata string `json:"metadata"`
	Build    int    `json:"build"`
	Job      string `json:"job"`
	Message  string `json:"message"`
}

func NewMessage(metadata string, build int, line string) Message {
	return Message{
		Metadata: metadata,
		Build:    build,
		Job:      strconv.Itoa(build),
		Message:  line,
	}
}

// Key partitions messages so one build stays in order.
func (m Message) Key() []byte {
	return []byte(m.Metadata + "-" + m.Job)
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}

// Dialer opens a publisher for an endpoint list and topic.
type Dialer func(ctx context.Context, endpoints, topic string) (Publisher, error)

// Dial picks AMQP for amqp:// and amqps:// URLs and Kafka for a
// comma-separated broker list.
func Dial(ctx context.Context, endpoints, topic string) (Publisher, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	e := strings.TrimSpace(endpoints)
	if strings.HasPrefix(e, "amqp://") || strings.HasPrefix(e, "amqps://") {
		return DialAMQP(ctx, e, topic)
	}
	return DialKafka(ctx, SplitHosts(e), topic)
}

func SplitHosts(endpoints string) []string {
	var hosts []string
	for _, h := range strings.Split(endpoints, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
