package logs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/artifact"
	"github.com/elskow/buildshuttle/internal/logs/bus"
	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

const DefaultFlushInterval = 2 * time.Second

var ErrAlreadyOpen = errors.New("log sink already open")

type Options struct {
	Topic         string
	FlushInterval time.Duration
	// Mirror receives every formatted line, typically stdout.
	Mirror io.Writer
}

// Multiplexer owns the open sinks and one bus publisher per endpoint list.
type Multiplexer struct {
	store  artifact.Store
	dial   bus.Dialer
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	publishers map[string]bus.Publisher
	sinks      map[string]*Sink
}

func NewMultiplexer(store artifact.Store, dial bus.Dialer, opts Options, logger *zap.Logger) *Multiplexer {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Topic == "" {
		opts.Topic = bus.DefaultTopic
	}
	if dial == nil {
		dial = bus.Dial
	}
	return &Multiplexer{
		store:      store,
		dial:       dial,
		opts:       opts,
		logger:     logger,
		publishers: make(map[string]bus.Publisher),
		sinks:      make(map[string]*Sink),
	}
}

// Open starts the log sink of one build. A bus connection failure is
// returned to the caller.
func (m *Multiplexer) Open(ctx context.Context, req *types.BuildRequest) (*Sink, error) {
	key := req.LogKey()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sinks[key]; ok {
		return nil, fmt.Errorf("%s: %w", key, ErrAlreadyOpen)
	}

	var publisher bus.Publisher
	if req.KafkaHosts != "" {
		p, err := m.publisherLocked(ctx, req.KafkaHosts)
		if err != nil {
			return nil, err
		}
		publisher = p
	}

	s := &Sink{
		key:       key,
		metadata:  req.Metadata(),
		build:     req.BuildNumber,
		store:     m.store,
		publisher: publisher,
		mirror:    m.opts.Mirror,
		logger:    m.logger,
	}
	s.sched = newFlushScheduler(m.opts.FlushInterval, s.timedFlush)
	s.release = func() { m.release(key, s) }
	m.sinks[key] = s

	m.logger.Debug("log sink opened",
		zap.String("key", key),
		zap.Bool("bus", publisher != nil))
	return s, nil
}

func (m *Multiplexer) publisherLocked(ctx context.Context, endpoints string) (bus.Publisher, error) {
	if p, ok := m.publishers[endpoints]; ok {
		return p, nil
	}
	p, err := m.dial(ctx, endpoints, m.opts.Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to log bus: %w", err)
	}
	m.publishers[endpoints] = p
	return p, nil
}

func (m *Multiplexer) release(key string, s *Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sinks[key] == s {
		delete(m.sinks, key)
	}
}

// OpenCount reports the number of sinks not yet closed.
func (m *Multiplexer) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sinks)
}

// Close shuts down every bus publisher. Sinks must be closed first.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs error
	for endpoints, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
		delete(m.publishers, endpoints)
	}
	return errs
}
