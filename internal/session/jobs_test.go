package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
	"github.com/shehryarbajwa/rentrig/internal/container/containertest"
	"github.com/shehryarbajwa/rentrig/pkg/models"
)

func TestSubmitUploadRunsOnWorker(t *testing.T) {
	engine := containertest.New("async output\n")
	f := newFixture(t, engine, Config{Workers: 2})
	s := f.active(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.m.StartWorkers(ctx)
	defer func() {
		cancel()
		f.m.Wait()
	}()

	job, err := f.m.SubmitUpload(context.Background(), renter, s.ID, []byte("print('async')"), "")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, s.ID, job.SessionID)

	require.Eventually(t, func() bool {
		return f.load(t, s.ID).ExecutionStatus == models.ExecutionSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	out, err := f.m.FetchResult(context.Background(), renter, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "async output\n", out)
	assert.Eventually(t, func() bool { return !f.locker.Held(s.ID) }, time.Second, 10*time.Millisecond)
}

func TestSubmitUploadHoldsLockWhileQueued(t *testing.T) {
	f := newFixture(t, containertest.New("x"), Config{})
	s := f.active(t)

	_, err := f.m.SubmitUpload(context.Background(), renter, s.ID, []byte("print(1)"), "")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionQueued, f.load(t, s.ID).ExecutionStatus)

	_, err = f.m.ExecuteUpload(context.Background(), renter, s.ID, []byte("print(2)"), "")
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestSubmitUploadQueueFull(t *testing.T) {
	f := newFixture(t, containertest.New("x"), Config{QueueCapacity: 1})
	first := f.active(t)
	second := f.active(t)

	_, err := f.m.SubmitUpload(context.Background(), renter, first.ID, []byte("print(1)"), "")
	require.NoError(t, err)

	_, err = f.m.SubmitUpload(context.Background(), renter, second.ID, []byte("print(2)"), "")
	assert.True(t, errors.Is(err, apperr.ErrUnavailable))
	assert.False(t, f.locker.Held(second.ID))
	assert.Equal(t, models.ExecutionNone, f.load(t, second.ID).ExecutionStatus)
}

func TestWaitAbandonsQueuedJobs(t *testing.T) {
	engine := containertest.New("x")
	f := newFixture(t, engine, Config{})
	s := f.active(t)

	_, err := f.m.SubmitUpload(context.Background(), renter, s.ID, []byte("print(1)"), "")
	require.NoError(t, err)

	watch, cancel := f.m.Hub().Subscribe(s.ID)
	defer cancel()

	// no workers were started, so the job is still queued
	f.m.Wait()

	select {
	case _, open := <-watch:
		assert.False(t, open, "watchers of an abandoned job see the stream end")
	case <-time.After(time.Second):
		t.Fatal("output stream was not closed")
	}

	stored := f.load(t, s.ID)
	assert.Equal(t, models.ExecutionRunError, stored.ExecutionStatus)
	assert.Equal(t, "server shutting down", stored.ExecutionError)
	assert.False(t, f.locker.Held(s.ID))
	assert.Zero(t, engine.RunCount())
}
