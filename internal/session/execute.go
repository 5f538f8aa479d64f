package session

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
	"github.com/shehryarbajwa/rentrig/internal/container"
	"github.com/shehryarbajwa/rentrig/internal/lock"
	"github.com/shehryarbajwa/rentrig/pkg/models"
)

const cleanupTimeout = 30 * time.Second

// ExecuteUpload builds the uploaded source into a sandbox image for the
// session, runs it and returns its combined output. The session must be
// active and actor must be its renter. Only one execution per session runs
// at a time. A non-zero exit is not an error: the output is returned and
// executionStatus records "failed".
func (m *Manager) ExecuteUpload(ctx context.Context, actor, id string, source []byte, language string) (string, error) {
	session, lang, release, err := m.admit(ctx, actor, id, source, language, models.ExecutionRunning)
	if err != nil {
		return "", err
	}
	defer release()

	return m.execute(ctx, session.ID, lang, source)
}

// admit runs every precondition of an upload, takes the session's execution
// lock and records the initial execution status. The caller owns release.
func (m *Manager) admit(ctx context.Context, actor, id string, source []byte, language string, initial models.ExecutionStatus) (*models.Session, string, lock.Release, error) {
	const op = "session.upload"

	if len(source) == 0 {
		return nil, "", nil, apperr.Newf(apperr.CodeInvalidInput, op, "no file uploaded")
	}

	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, "", nil, err
	}
	if session.Status != models.StatusActive {
		return nil, "", nil, apperr.Newf(apperr.CodeInvalidState, op,
			"cannot upload code to a session in %s status", session.Status)
	}
	if session.Renter != actor {
		return nil, "", nil, notAuthorized(op)
	}

	if language == "" {
		language = session.Language
	}
	rt, err := m.builder.Registry().Get(language)
	if err != nil {
		return nil, "", nil, err
	}

	release, err := m.locker.TryLock(ctx, id)
	if err != nil {
		return nil, "", nil, err
	}

	// the owner may have completed the session since the read above
	updated, err := m.modify(id, func(s *models.Session) error {
		if s.Status != models.StatusActive {
			return apperr.Newf(apperr.CodeInvalidState, op,
				"cannot upload code to a session in %s status", s.Status)
		}
		s.ExecutionStatus = initial
		s.ExecutionError = ""
		s.ExitCode = nil
		return nil
	})
	if err != nil {
		release()
		return nil, "", nil, err
	}
	return updated, rt.Language, release, nil
}

// execute is the pipeline shared by synchronous uploads and queued jobs
func (m *Manager) execute(ctx context.Context, sessionID, language string, source []byte) (string, error) {
	log := m.logger.With().Str("session_id", sessionID).Str("language", language).Logger()
	started := m.now()
	defer m.hub.Close(sessionID)

	if err := m.slots.Acquire(ctx, 1); err != nil {
		cause := apperr.New(apperr.CodeUnavailable, "session.execute", "no execution slot available", err)
		m.finish(&log, sessionID, language, started, outcome{status: models.ExecutionRunError, err: cause}, "")
		return "", wrapExecution(cause)
	}
	defer m.slots.Release(1)

	m.metrics.ExecutionStarted()
	defer m.metrics.ExecutionFinished()

	out, result := m.pipeline(ctx, &log, sessionID, language, source)
	m.finish(&log, sessionID, language, started, result, out)
	if result.err != nil {
		return out, wrapExecution(result.err)
	}
	return out, nil
}

type outcome struct {
	status   models.ExecutionStatus
	exitCode *int64
	err      error
}

func (m *Manager) pipeline(ctx context.Context, log *zerolog.Logger, sessionID, language string, source []byte) (string, outcome) {
	if _, err := m.update(sessionID, func(s *models.Session) { s.ExecutionStatus = models.ExecutionRunning }); err != nil {
		log.Warn().Err(err).Msg("failed to mark execution running")
	}

	bc, err := m.builder.Prepare(sessionID, language, source)
	if err != nil {
		return "", outcome{status: models.ExecutionBuildError, err: err}
	}
	log.Debug().Str("dir", bc.Dir).Strs("files", bc.Files()).Msg("build context prepared")

	tag := container.ImageTag(sessionID)
	buildStart := m.now()
	if err := m.buildWithRetry(ctx, log, bc.Dir, tag); err != nil {
		return "", outcome{status: models.ExecutionBuildError, err: err}
	}
	m.metrics.ObservePhase(language, "build", m.now().Sub(buildStart))
	if m.cfg.CleanupImages {
		defer m.removeImage(log, tag)
	}

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.ExecTimeout)
	defer cancel()

	opts := m.cfg.Run
	opts.SessionID = sessionID
	createStart := m.now()
	run, err := m.engine.RunAndCapture(runCtx, tag, opts)
	if err != nil {
		if runCtx.Err() != nil {
			return "", m.interrupted(runCtx)
		}
		return "", outcome{status: models.ExecutionRunError, err: err}
	}
	m.metrics.ObserveContainerStart(m.now().Sub(createStart))
	log.Info().Str("container_id", run.ContainerID).Msg("container started")
	defer m.teardown(log, run)

	runStart := m.now()
	var out bytes.Buffer
	var streamErr error
	for chunk, err := range run.Chunks() {
		if err != nil {
			streamErr = err
			break
		}
		out.Write(chunk)
		m.hub.Publish(sessionID, chunk)
	}

	var exitCode int64
	if streamErr == nil {
		exitCode, streamErr = m.engine.Wait(runCtx, run.ContainerID)
	}
	m.metrics.ObservePhase(language, "run", m.now().Sub(runStart))

	if runCtx.Err() != nil {
		log.Warn().Dur("timeout", m.cfg.ExecTimeout).Msg("execution interrupted")
		return out.String(), m.interrupted(runCtx)
	}
	if streamErr != nil {
		return out.String(), outcome{
			status: models.ExecutionRunError,
			err:    apperr.New(apperr.CodeRun, "session.execute", "failed to read container output", streamErr),
		}
	}

	if bc.Runtime.OutputDir != "" {
		if err := m.engine.CopyFrom(ctx, run.ContainerID, bc.Runtime.OutputDir, bc.Dir); err != nil {
			log.Warn().Err(err).Str("path", bc.Runtime.OutputDir).Msg("failed to collect output files")
		}
	}

	status := models.ExecutionSucceeded
	if exitCode != 0 {
		status = models.ExecutionFailed
	}
	return out.String(), outcome{status: status, exitCode: &exitCode}
}

// interrupted classifies a run whose context ended before the container did
func (m *Manager) interrupted(runCtx context.Context) outcome {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return outcome{
			status: models.ExecutionTimedOut,
			err: apperr.Newf(apperr.CodeTimeout, "session.execute",
				"execution exceeded %s", m.cfg.ExecTimeout),
		}
	}
	return outcome{
		status: models.ExecutionRunError,
		err:    apperr.New(apperr.CodeRun, "session.execute", "execution cancelled", runCtx.Err()),
	}
}

// buildWithRetry makes up to BuildRetries extra build attempts. Runs are
// never retried.
func (m *Manager) buildWithRetry(ctx context.Context, log *zerolog.Logger, contextDir, tag string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.BuildRetryDelay

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return m.engine.BuildImage(ctx, contextDir, tag)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(m.cfg.BuildRetries)), ctx),
		func(err error, wait time.Duration) {
			m.metrics.BuildRetried()
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("image build failed, retrying")
		})
	if err != nil && apperr.CodeOf(err) == apperr.CodeInternal {
		return apperr.New(apperr.CodeBuild, "session.build", "image build interrupted", err)
	}
	return err
}

// teardown stops and removes the container on a context detached from the
// request so cleanup survives cancellation
func (m *Manager) teardown(log *zerolog.Logger, run *container.Run) {
	_ = run.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := m.engine.Stop(ctx, run.ContainerID); err != nil {
		log.Debug().Err(err).Str("container_id", run.ContainerID).Msg("failed to stop container")
	}
	if err := m.engine.RemoveContainer(ctx, run.ContainerID); err != nil {
		log.Warn().Err(err).Str("container_id", run.ContainerID).Msg("failed to remove container")
	}
}

func (m *Manager) removeImage(log *zerolog.Logger, tag string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := m.engine.RemoveImage(ctx, tag); err != nil {
		log.Warn().Err(err).Str("image", tag).Msg("failed to remove image")
	}
}

// finish persists output and outcome. The session status is never touched.
func (m *Manager) finish(log *zerolog.Logger, sessionID, language string, started time.Time, res outcome, out string) {
	_, err := m.update(sessionID, func(s *models.Session) {
		s.Output = out
		s.ExecutionStatus = res.status
		s.ExitCode = res.exitCode
		s.ExecutionError = ""
		if res.err != nil {
			s.ExecutionError = apperr.MessageOf(res.err)
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record execution result")
	}

	elapsed := m.now().Sub(started)
	m.metrics.ObserveExecution(language, string(res.status), elapsed)

	event := log.Info()
	if res.err != nil {
		event = log.Error().Err(res.err)
	}
	event.Str("status", string(res.status)).Dur("elapsed", elapsed).Msg("execution finished")
}

func wrapExecution(err error) error {
	return apperr.New(apperr.CodeExecution, "session.execute", "code execution failed", err)
}
