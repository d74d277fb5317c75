package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

type update struct {
	status   types.BuildStatus
	building bool
}

// Sequence delivers the callbacks of one build in order on a background
// goroutine. It accepts pending at most once, before any terminal status,
// and exactly one terminal status, after which it drains and stops.
type Sequence struct {
	n      *Notifier
	target Target
	id     int

	mu           sync.Mutex
	pendingSent  bool
	terminalSent bool
	ch           chan update
	done         chan struct{}
}

func (n *Notifier) Sequence(target Target, id int) *Sequence {
	s := &Sequence{
		n:      n,
		target: target,
		id:     id,
		ch:     make(chan update, 2),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sequence) run() {
	defer close(s.done)
	for u := range s.ch {
		s.n.Notify(context.Background(), s.target, s.id, u.status, u.building)
	}
}

// Pending queues the acceptance callback.
func (s *Sequence) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingSent || s.terminalSent {
		return false
	}
	s.pendingSent = true
	s.ch <- update{status: types.BuildStatusPending, building: true}
	return true
}

// Terminal queues the final callback and closes the sequence. Only the first
// call has any effect.
func (s *Sequence) Terminal(status types.BuildStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminalSent {
		s.n.log.Warn("duplicate terminal status dropped",
			zap.Int("build", s.id),
			zap.String("status", string(status)))
		return false
	}
	s.terminalSent = true
	s.ch <- update{status: status, building: false}
	close(s.ch)
	return true
}

// Done is closed once every queued callback has been attempted.
func (s *Sequence) Done() <-chan struct{} {
	return s.done
}
