package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
	"github.com/shehryarbajwa/rentrig/internal/lock"
	"github.com/shehryarbajwa/rentrig/pkg/models"
)

// Job is a queued upload waiting for a worker
type Job struct {
	ID         string
	SessionID  string
	Language   string
	Source     []byte
	EnqueuedAt time.Time

	release lock.Release
}

// SubmitUpload admits an upload like ExecuteUpload but returns as soon as
// the job is queued. Progress is visible through the session's
// executionStatus and the live output stream.
func (m *Manager) SubmitUpload(ctx context.Context, actor, id string, source []byte, language string) (*Job, error) {
	session, lang, release, err := m.admit(ctx, actor, id, source, language, models.ExecutionQueued)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:         uuid.New().String(),
		SessionID:  session.ID,
		Language:   lang,
		Source:     source,
		EnqueuedAt: m.now(),
		release:    release,
	}

	select {
	case m.jobs <- job:
		m.metrics.SetQueueDepth(len(m.jobs))
		m.logger.Info().Str("job_id", job.ID).Str("session_id", job.SessionID).Msg("upload queued")
		return job, nil
	default:
		if _, err := m.update(id, func(s *models.Session) { s.ExecutionStatus = models.ExecutionNone }); err != nil {
			m.logger.Warn().Err(err).Str("session_id", id).Msg("failed to reset execution status")
		}
		release()
		return nil, apperr.Newf(apperr.CodeUnavailable, "session.submit", "execution queue is full")
	}
}

// StartWorkers launches the worker pool. Workers exit when ctx is done;
// Wait blocks until they have.
func (m *Manager) StartWorkers(ctx context.Context) {
	for i := 0; i < m.cfg.Workers; i++ {
		m.workers.Add(1)
		go m.worker(ctx, i)
	}
	m.logger.Info().Int("workers", m.cfg.Workers).Int("queue_capacity", m.cfg.QueueCapacity).Msg("execution workers started")
}

// Wait blocks until every worker has exited, then abandons jobs still queued
func (m *Manager) Wait() {
	m.workers.Wait()

	for {
		select {
		case job := <-m.jobs:
			_, err := m.update(job.SessionID, func(s *models.Session) {
				s.ExecutionStatus = models.ExecutionRunError
				s.ExecutionError = "server shutting down"
			})
			if err != nil {
				m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to abandon job")
			}
			m.hub.Close(job.SessionID)
			job.release()
		default:
			m.metrics.SetQueueDepth(0)
			return
		}
	}
}

func (m *Manager) worker(ctx context.Context, n int) {
	defer m.workers.Done()
	log := m.logger.With().Int("worker", n).Logger()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("worker stopping")
			return
		case job := <-m.jobs:
			m.metrics.SetQueueDepth(len(m.jobs))
			log.Debug().
				Str("job_id", job.ID).
				Dur("queued_for", m.now().Sub(job.EnqueuedAt)).
				Msg("job picked up")
			m.runJob(ctx, job)
		}
	}
}

func (m *Manager) runJob(ctx context.Context, job *Job) {
	defer job.release()

	if _, err := m.execute(ctx, job.SessionID, job.Language, job.Source); err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Str("session_id", job.SessionID).Msg("queued execution failed")
	}
}
