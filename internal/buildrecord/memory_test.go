package buildrecord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	_, err := repo.GetByIdentity(ctx, "api-0b6b6c39-7")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	first := &Record{Identity: "api-0b6b6c39-7", BuildNumber: 7, Status: types.BuildStatusPending}
	require.NoError(t, repo.Create(ctx, first))
	assert.Equal(t, uint(1), first.ID)

	got, err := repo.GetByIdentity(ctx, "api-0b6b6c39-7")
	require.NoError(t, err)
	assert.True(t, got.Building())

	code := 127
	require.NoError(t, repo.Finish(ctx, first.ID, types.BuildStatusFailed, &code))

	got, err = repo.GetByIdentity(ctx, "api-0b6b6c39-7")
	require.NoError(t, err)
	assert.False(t, got.Building())
	assert.Equal(t, types.BuildStatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 127, *got.ExitCode)
	assert.NotNil(t, got.FinishedAt)

	// A resubmission becomes the authoritative row.
	second := &Record{Identity: "api-0b6b6c39-7", BuildNumber: 7, Status: types.BuildStatusPending}
	require.NoError(t, repo.Create(ctx, second))
	got, err = repo.GetByIdentity(ctx, "api-0b6b6c39-7")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.True(t, got.Building())

	assert.ErrorIs(t, repo.Finish(ctx, 99, types.BuildStatusStopped, nil), ErrRecordNotFound)
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	rec := &Record{Identity: "web-1-1", Status: types.BuildStatusPending}
	require.NoError(t, repo.Create(ctx, rec))
	rec.Status = types.BuildStatusSucceeded

	got, err := repo.GetByIdentity(ctx, "web-1-1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusPending, got.Status)
}
