package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
	"github.com/shehryarbajwa/rentrig/pkg/models"
)

func TestMemoryStoreSessionRoundTripDoesNotAlias(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	start := time.Now()
	st := start
	sess := &models.Session{ID: "s1", Renter: "r", Device: "d", Status: models.StatusActive, StartTime: &st}
	require.NoError(t, s.SaveSession(ctx, sess))

	// Mutating the caller's copy must not leak into the store.
	sess.Status = models.StatusCompleted
	*sess.StartTime = start.Add(time.Hour)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.True(t, got.StartTime.Equal(start))
}

func TestMemoryStoreMissingSession(t *testing.T) {
	_, err := NewMemoryStore().GetSession(context.Background(), "nope")

	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryStoreFindsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveSession(ctx, &models.Session{ID: "old", Renter: "r1", Device: "d1", CreatedAt: base}))
	require.NoError(t, s.SaveSession(ctx, &models.Session{ID: "new", Renter: "r1", Device: "d2", CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, s.SaveSession(ctx, &models.Session{ID: "other", Renter: "r2", Device: "d3", CreatedAt: base}))

	byRenter, err := s.FindSessionsByRenter(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, byRenter, 2)
	assert.Equal(t, "new", byRenter[0].ID)
	assert.Equal(t, "old", byRenter[1].ID)

	byDevice, err := s.FindSessionsByDevices(ctx, []string{"d1", "d3"})
	require.NoError(t, err)
	assert.Len(t, byDevice, 2)

	none, err := s.FindSessionsByDevices(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStoreDevices(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveDevice(ctx, &models.Device{ID: "d1", Owner: "o1", Price: 2}))
	require.NoError(t, s.SaveDevice(ctx, &models.Device{ID: "d2", Owner: "o2", Price: 3}))

	d, err := s.GetDevice(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, d.Price)

	owned, err := s.FindDevicesByOwner(ctx, "o2")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "d2", owned[0].ID)

	_, err = s.GetDevice(ctx, "d9")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryStoreRejectsEmptyIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	assert.ErrorIs(t, s.SaveSession(ctx, &models.Session{}), apperr.ErrInvalidInput)
	assert.ErrorIs(t, s.SaveDevice(ctx, &models.Device{}), apperr.ErrInvalidInput)
}
