package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
)

func TestMemoryLockerExclusive(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release, err := l.TryLock(ctx, "s1")
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "s1")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	other, err := l.TryLock(ctx, "s2")
	require.NoError(t, err)
	other()

	release()
	assert.False(t, l.Held("s1"))

	again, err := l.TryLock(ctx, "s1")
	require.NoError(t, err)
	again()
}

func TestMemoryLockerReleaseIsIdempotent(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	first, err := l.TryLock(ctx, "s1")
	require.NoError(t, err)
	first()

	second, err := l.TryLock(ctx, "s1")
	require.NoError(t, err)

	// A stale release must not free the new holder.
	first()
	assert.True(t, l.Held("s1"))
	second()
}

func TestMemoryLockerSingleWinnerUnderContention(t *testing.T) {
	l := NewMemoryLocker()
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.TryLock(context.Background(), "hot"); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}
