package buildrecord

import (
	"context"
	"sync"
	"time"

	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

// MemoryRepository keeps records for the life of the process. It is used
// when no database is configured.
type MemoryRepository struct {
	mu      sync.RWMutex
	nextID  uint
	records map[uint]*Record
	latest  map[string]uint
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[uint]*Record),
		latest:  make(map[string]uint),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	now := time.Now()
	rec.ID = r.nextID
	rec.CreatedAt = now
	rec.UpdatedAt = now

	stored := *rec
	r.records[rec.ID] = &stored
	r.latest[rec.Identity] = rec.ID
	return nil
}

func (r *MemoryRepository) Finish(ctx context.Context, id uint, status types.BuildStatus, exitCode *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	now := time.Now()
	rec.Status = status
	rec.ExitCode = exitCode
	rec.FinishedAt = &now
	rec.UpdatedAt = now
	return nil
}

func (r *MemoryRepository) GetByIdentity(ctx context.Context, identity string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.latest[identity]
	if !ok {
		return nil, ErrRecordNotFound
	}
	rec := *r.records[id]
	return &rec, nil
}
