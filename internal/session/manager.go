package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
	"github.com/shehryarbajwa/rentrig/internal/billing"
	"github.com/shehryarbajwa/rentrig/internal/container"
	"github.com/shehryarbajwa/rentrig/internal/lock"
	"github.com/shehryarbajwa/rentrig/internal/metrics"
	"github.com/shehryarbajwa/rentrig/internal/sandbox"
	"github.com/shehryarbajwa/rentrig/internal/store"
	"github.com/shehryarbajwa/rentrig/internal/stream"
	"github.com/shehryarbajwa/rentrig/internal/workspace"
	"github.com/shehryarbajwa/rentrig/pkg/models"
)

// NoOutput is returned by FetchResult before anything has been captured
const NoOutput = "No output available"

// Config tunes execution behavior
type Config struct {
	// ExecTimeout bounds a single container run.
	ExecTimeout time.Duration
	// MaxConcurrent is the number of executions allowed on the engine at once.
	MaxConcurrent int64
	// BuildRetries is the number of extra attempts for a failed image build.
	BuildRetries    int
	BuildRetryDelay time.Duration
	// CleanupImages removes the session image after every execution.
	CleanupImages bool
	// Run is the resource template applied to every container.
	Run           container.RunOptions
	Workers       int
	QueueCapacity int
}

func (c *Config) applyDefaults() {
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 10 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.BuildRetries < 0 {
		c.BuildRetries = 0
	}
	if c.BuildRetryDelay <= 0 {
		c.BuildRetryDelay = 2 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = int(c.MaxConcurrent)
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
}

// Manager drives session state and executes uploads
type Manager struct {
	store      store.Store
	builder    *sandbox.Builder
	workspaces *workspace.Manager
	engine     container.Engine
	locker     lock.Locker
	hub        *stream.Hub
	metrics    *metrics.Metrics
	logger     *zerolog.Logger
	cfg        Config
	now        func() time.Time

	slots *semaphore.Weighted
	// recordMu serializes read-modify-write cycles on session records.
	recordMu sync.Mutex

	jobs    chan *Job
	workers sync.WaitGroup
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHub publishes live output to hub
func WithHub(hub *stream.Hub) Option {
	return func(m *Manager) { m.hub = hub }
}

// WithMetrics records instruments on mt
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a session manager
func NewManager(
	st store.Store,
	builder *sandbox.Builder,
	workspaces *workspace.Manager,
	engine container.Engine,
	locker lock.Locker,
	cfg Config,
	logger *zerolog.Logger,
	opts ...Option,
) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		store:      st,
		builder:    builder,
		workspaces: workspaces,
		engine:     engine,
		locker:     locker,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		slots:      semaphore.NewWeighted(cfg.MaxConcurrent),
		jobs:       make(chan *Job, cfg.QueueCapacity),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.hub == nil {
		m.hub = stream.NewHub(logger)
	}
	return m
}

// Hub returns the live output hub
func (m *Manager) Hub() *stream.Hub {
	return m.hub
}

// RegisterDevice records a device owned by actor
func (m *Manager) RegisterDevice(ctx context.Context, actor string, req models.CreateDeviceRequest) (*models.Device, error) {
	if req.Name == "" {
		return nil, apperr.Newf(apperr.CodeInvalidInput, "device.register", "deviceName is required")
	}
	if req.Price < 0 {
		return nil, apperr.Newf(apperr.CodeInvalidInput, "device.register", "price must not be negative")
	}
	available := true
	if req.IsAvailable != nil {
		available = *req.IsAvailable
	}

	device := &models.Device{
		ID:          uuid.New().String(),
		Owner:       actor,
		Name:        req.Name,
		Price:       req.Price,
		IsAvailable: available,
		CreatedAt:   m.now(),
	}
	if err := m.store.SaveDevice(ctx, device); err != nil {
		return nil, err
	}
	return device, nil
}

// GetDevice looks up a device
func (m *Manager) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	return m.store.GetDevice(ctx, id)
}

// CreateSession records a rental request from actor for a device
func (m *Manager) CreateSession(ctx context.Context, actor string, req models.CreateSessionRequest) (*models.Session, error) {
	if req.DeviceID == "" {
		return nil, apperr.Newf(apperr.CodeInvalidInput, "session.create", "deviceId is required")
	}

	device, err := m.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if !device.IsAvailable {
		return nil, apperr.Newf(apperr.CodeInvalidState, "session.create", "device is not available for rent")
	}
	if device.Owner == actor {
		return nil, apperr.Newf(apperr.CodeInvalidInput, "session.create", "you cannot rent your own device")
	}

	rt, err := m.builder.Registry().Get(req.Language)
	if err != nil {
		return nil, err
	}

	now := m.now()
	session := &models.Session{
		ID:        uuid.New().String(),
		Renter:    actor,
		Device:    device.ID,
		Status:    models.StatusRequested,
		Language:  rt.Language,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	m.metrics.Transitioned(string(models.StatusRequested))
	m.logger.Info().
		Str("session_id", session.ID).
		Str("device", device.ID).
		Str("renter", actor).
		Msg("rental requested")
	return session, nil
}

// GetSession returns a session visible to actor as renter or device owner
func (m *Manager) GetSession(ctx context.Context, actor, id string) (*models.Session, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Renter == actor {
		return session, nil
	}
	device, err := m.store.GetDevice(ctx, session.Device)
	if err != nil {
		return nil, err
	}
	if device.Owner != actor {
		return nil, notAuthorized("session.get")
	}
	return session, nil
}

// ListRenterSessions returns actor's rentals, newest first
func (m *Manager) ListRenterSessions(ctx context.Context, actor string) ([]*models.Session, error) {
	return m.store.FindSessionsByRenter(ctx, actor)
}

// ListOwnerSessions returns sessions on every device actor owns, newest first
func (m *Manager) ListOwnerSessions(ctx context.Context, actor string) ([]*models.Session, error) {
	devices, err := m.store.FindDevicesByOwner(ctx, actor)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return []*models.Session{}, nil
	}
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	return m.store.FindSessionsByDevices(ctx, ids)
}

// TransitionStatus applies the device owner's decision to a session.
// Only requested->active, requested->rejected and active->completed exist.
// Completion stamps the end time and bills the elapsed hours.
func (m *Manager) TransitionStatus(ctx context.Context, actor, id string, target models.SessionStatus) (*models.Session, error) {
	if !target.IsTarget() {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "session.transition", "invalid status %q", target)
	}

	m.recordMu.Lock()
	defer m.recordMu.Unlock()

	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	device, err := m.store.GetDevice(ctx, session.Device)
	if err != nil {
		return nil, err
	}
	if device.Owner != actor {
		return nil, notAuthorized("session.transition")
	}
	if !session.Status.CanTransitionTo(target) {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "session.transition",
			"cannot change session from %s to %s", session.Status, target)
	}

	now := m.now()
	switch target {
	case models.StatusActive:
		session.StartTime = &now
	case models.StatusCompleted:
		if session.StartTime == nil {
			return nil, apperr.Newf(apperr.CodeInvalidState, "session.transition", "session has no start time")
		}
		if session.ExecutionStatus.InProgress() {
			return nil, apperr.Newf(apperr.CodeConflict, "session.transition", "an execution is still in progress")
		}
		cost, err := billing.ComputeCost(*session.StartTime, now, device.Price)
		if err != nil {
			return nil, err
		}
		session.EndTime = &now
		session.Cost = cost
	}

	session.Status = target
	session.UpdatedAt = now
	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	m.metrics.Transitioned(string(target))
	if target == models.StatusCompleted {
		m.metrics.Billed(session.Cost)
	}
	m.logger.Info().
		Str("session_id", session.ID).
		Str("status", string(target)).
		Float64("cost", session.Cost).
		Msg("session status changed")
	return session, nil
}

// FetchResult returns the captured output, or NoOutput when there is none
func (m *Manager) FetchResult(ctx context.Context, actor, id string) (string, error) {
	session, err := m.GetSession(ctx, actor, id)
	if err != nil {
		return "", err
	}
	if session.Output == "" {
		return NoOutput, nil
	}
	return session.Output, nil
}

// WatchSession authorizes actor to follow a session's live output
func (m *Manager) WatchSession(ctx context.Context, actor, id string) (*models.Session, error) {
	return m.GetSession(ctx, actor, id)
}

// ArchiveWorkspace writes the session's build directory as tar.gz to w
func (m *Manager) ArchiveWorkspace(ctx context.Context, actor, id string, w io.Writer) error {
	if _, err := m.GetSession(ctx, actor, id); err != nil {
		return err
	}
	return m.workspaces.Archive(id, w)
}

// update applies fn to the stored session under recordMu and saves it.
// It runs on a detached context so results are recorded even when the
// caller has gone away.
func (m *Manager) update(id string, fn func(*models.Session)) (*models.Session, error) {
	return m.modify(id, func(s *models.Session) error {
		fn(s)
		return nil
	})
}

// modify is update with a guard: an error from fn aborts the write
func (m *Manager) modify(id string, fn func(*models.Session) error) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.recordMu.Lock()
	defer m.recordMu.Unlock()

	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(session); err != nil {
		return nil, err
	}
	session.UpdatedAt = m.now()
	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func notAuthorized(op string) error {
	return apperr.Newf(apperr.CodeNotAuthorized, op, "not authorized")
}
