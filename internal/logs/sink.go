package logs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/artifact"
	"github.com/elskow/buildshuttle/internal/logs/bus"
	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

const finishedLine = "Build finished"

var ErrClosed = errors.New("log sink is closed")

// Sink collects one build's log lines. Lines accumulate in an append-only
// buffer that is flushed to the artifact store on a debounce, and are
// forwarded to the bus line by line when a publisher is attached.
type Sink struct {
	key      string
	metadata string
	build    int

	store     artifact.Store
	publisher bus.Publisher
	mirror    io.Writer
	logger    *zap.Logger
	release   func()

	mu     sync.Mutex
	buf    strings.Builder
	closed bool

	flushMu sync.Mutex
	sched   *flushScheduler
}

func (s *Sink) Key() string {
	return s.key
}

// Send formats ev and delivers it to every sink. Empty events are dropped.
func (s *Sink) Send(ctx context.Context, ev types.Event) error {
	line := ev.Line()
	if line == "" {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.buf.WriteString(line)
	s.mu.Unlock()

	s.sched.Arm()

	if s.mirror != nil {
		_, _ = io.WriteString(s.mirror, line)
	}
	s.publish(ctx, strings.Split(strings.TrimRight(line, "\n"), "\n")...)
	return nil
}

// Write lets a Sink stand in as an io.Writer for free-form output.
func (s *Sink) Write(p []byte) (int, error) {
	if err := s.Send(context.Background(), types.Event{Stream: string(p)}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close flushes the buffer, announces the end of the build on the bus and
// releases the sink. Further calls are no-ops.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.sched.Cancel()
	err := s.flush(ctx)

	s.publish(ctx, finishedLine)
	if s.release != nil {
		s.release()
	}
	return err
}

// Contents returns the buffered log text as it would be flushed.
func (s *Sink) Contents() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.ReplaceAll(s.buf.String(), "\r\n", "\n")
}

func (s *Sink) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	body := artifact.Bytes([]byte(s.Contents())).WithContentType("text/plain; charset=utf-8")
	if err := s.store.Write(ctx, s.key, body); err != nil {
		return fmt.Errorf("failed to flush logs %s: %w", s.key, err)
	}
	return nil
}

func (s *Sink) timedFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.flush(ctx); err != nil {
		s.logger.Warn("log flush failed", zap.String("key", s.key), zap.Error(err))
	}
}

func (s *Sink) publish(ctx context.Context, lines ...string) {
	if s.publisher == nil {
		return
	}
	msgs := make([]bus.Message, 0, len(lines))
	for _, l := range lines {
		msgs = append(msgs, bus.NewMessage(s.metadata, s.build, l))
	}
	if err := s.publisher.Publish(ctx, msgs...); err != nil {
		s.logger.Warn("failed to publish log lines",
			zap.String("key", s.key),
			zap.Error(err))
	}
}
