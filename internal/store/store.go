// Package store defines persistence for session records and the device
// collaborator, with an in-memory implementation.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
	"github.com/shehryarbajwa/rentrig/pkg/models"
)

// SessionStore persists session records keyed by id
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// SaveSession upserts the full record.
	SaveSession(ctx context.Context, session *models.Session) error
	// FindSessionsByRenter returns the renter's sessions, newest first.
	FindSessionsByRenter(ctx context.Context, renterID string) ([]*models.Session, error)
	// FindSessionsByDevices returns sessions on any of the devices, newest first.
	FindSessionsByDevices(ctx context.Context, deviceIDs []string) ([]*models.Session, error)
}

// DeviceStore resolves devices and their owners
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	SaveDevice(ctx context.Context, device *models.Device) error
	FindDevicesByOwner(ctx context.Context, ownerID string) ([]*models.Device, error)
}

// Store is the combined persistence surface used by the orchestrator
type Store interface {
	SessionStore
	DeviceStore
}

// SessionNotFound builds the error returned for a missing session
func SessionNotFound(id string) error {
	return apperr.Newf(apperr.CodeNotFound, "store.session", "session %s not found", id)
}

// DeviceNotFound builds the error returned for a missing device
func DeviceNotFound(id string) error {
	return apperr.Newf(apperr.CodeNotFound, "store.device", "device %s not found", id)
}

// MemoryStore keeps records in process memory. Records are copied on the way
// in and out so callers never alias stored state.
type MemoryStore struct {
	sessions sync.Map // id -> *models.Session
	devices  sync.Map // id -> *models.Device
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	value, ok := m.sessions.Load(id)
	if !ok {
		return nil, SessionNotFound(id)
	}
	return value.(*models.Session).Clone(), nil
}

func (m *MemoryStore) SaveSession(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return apperr.Newf(apperr.CodeInvalidInput, "store.session", "session id is required")
	}
	m.sessions.Store(session.ID, session.Clone())
	return nil
}

func (m *MemoryStore) FindSessionsByRenter(ctx context.Context, renterID string) ([]*models.Session, error) {
	return m.filterSessions(func(s *models.Session) bool {
		return s.Renter == renterID
	}), nil
}

func (m *MemoryStore) FindSessionsByDevices(ctx context.Context, deviceIDs []string) ([]*models.Session, error) {
	want := make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		want[id] = struct{}{}
	}
	return m.filterSessions(func(s *models.Session) bool {
		_, ok := want[s.Device]
		return ok
	}), nil
}

func (m *MemoryStore) filterSessions(keep func(*models.Session) bool) []*models.Session {
	var sessions []*models.Session
	m.sessions.Range(func(key, value any) bool {
		s := value.(*models.Session)
		if keep(s) {
			sessions = append(sessions, s.Clone())
		}
		return true
	})
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions
}

func (m *MemoryStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	value, ok := m.devices.Load(id)
	if !ok {
		return nil, DeviceNotFound(id)
	}
	d := *value.(*models.Device)
	return &d, nil
}

func (m *MemoryStore) SaveDevice(ctx context.Context, device *models.Device) error {
	if device == nil || device.ID == "" {
		return apperr.Newf(apperr.CodeInvalidInput, "store.device", "device id is required")
	}
	d := *device
	m.devices.Store(device.ID, &d)
	return nil
}

func (m *MemoryStore) FindDevicesByOwner(ctx context.Context, ownerID string) ([]*models.Device, error) {
	var devices []*models.Device
	m.devices.Range(func(key, value any) bool {
		d := *value.(*models.Device)
		if d.Owner == ownerID {
			devices = append(devices, &d)
		}
		return true
	})
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].CreatedAt.After(devices[j].CreatedAt)
	})
	return devices, nil
}
