// Package mongo provides a MongoDB implementation of the session and device
// stores.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/shehryarbajwa/rentrig/internal/store"
	"github.com/shehryarbajwa/rentrig/pkg/models"
)

const (
	defaultSessionsCollection = "sessions"
	defaultDevicesCollection  = "devices"
	defaultOpTimeout          = 5 * time.Second
)

// Options configures the Mongo store
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	DevicesCollection  string
	Timeout            time.Duration
}

// Store persists sessions and devices in MongoDB
type Store struct {
	client   *mongodriver.Client
	sessions *mongodriver.Collection
	devices  *mongodriver.Collection
	timeout  time.Duration
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

type sessionDocument struct {
	ID              string                `bson:"_id"`
	Renter          string                `bson:"renter"`
	Device          string                `bson:"device"`
	Status          string                `bson:"status"`
	StartTime       *time.Time            `bson:"start_time,omitempty"`
	EndTime         *time.Time            `bson:"end_time,omitempty"`
	Language        string                `bson:"language"`
	Output          string                `bson:"output"`
	ResourceUsage   *models.ResourceUsage `bson:"resource_usage,omitempty"`
	Cost            float64               `bson:"cost"`
	ExecutionStatus string                `bson:"execution_status,omitempty"`
	ExitCode        *int64                `bson:"exit_code,omitempty"`
	ExecutionError  string                `bson:"execution_error,omitempty"`
	CreatedAt       time.Time             `bson:"created_at"`
	UpdatedAt       time.Time             `bson:"updated_at"`
}

type deviceDocument struct {
	ID          string    `bson:"_id"`
	Owner       string    `bson:"owner"`
	Name        string    `bson:"device_name"`
	Price       float64   `bson:"price"`
	IsAvailable bool      `bson:"is_available"`
	CreatedAt   time.Time `bson:"created_at"`
}

// New returns a Store and makes sure its indexes exist
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsCollection := opts.SessionsCollection
	if sessionsCollection == "" {
		sessionsCollection = defaultSessionsCollection
	}
	devicesCollection := opts.DevicesCollection
	if devicesCollection == "" {
		devicesCollection = defaultDevicesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:   opts.Client,
		sessions: db.Collection(sessionsCollection),
		devices:  db.Collection(devicesCollection),
		timeout:  timeout,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect dials uri and returns a connected client
func Connect(ctx context.Context, uri string) (*mongodriver.Client, error) {
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}
	return client, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.sessions.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "renter", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "device", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongodb session indexes: %w", err)
	}
	_, err = s.devices.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "owner", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongodb device indexes: %w", err)
	}
	return nil
}

// Ping checks connectivity to the primary
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc sessionDocument
	if err := s.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.SessionNotFound(id)
		}
		return nil, fmt.Errorf("mongodb get session %q: %w", id, err)
	}
	return fromSessionDocument(&doc), nil
}

func (s *Store) SaveSession(ctx context.Context, session *models.Session) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := toSessionDocument(session)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.sessions.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save session %q: %w", doc.ID, err)
	}
	return nil
}

func (s *Store) FindSessionsByRenter(ctx context.Context, renterID string) ([]*models.Session, error) {
	return s.findSessions(ctx, bson.M{"renter": renterID})
}

func (s *Store) FindSessionsByDevices(ctx context.Context, deviceIDs []string) ([]*models.Session, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	return s.findSessions(ctx, bson.M{"device": bson.M{"$in": deviceIDs}})
}

func (s *Store) findSessions(ctx context.Context, filter bson.M) ([]*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find sessions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []sessionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb find sessions decode: %w", err)
	}

	result := make([]*models.Session, len(docs))
	for i := range docs {
		result[i] = fromSessionDocument(&docs[i])
	}
	return result, nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc deviceDocument
	if err := s.devices.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.DeviceNotFound(id)
		}
		return nil, fmt.Errorf("mongodb get device %q: %w", id, err)
	}
	return fromDeviceDocument(&doc), nil
}

func (s *Store) SaveDevice(ctx context.Context, device *models.Device) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := toDeviceDocument(device)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.devices.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save device %q: %w", doc.ID, err)
	}
	return nil
}

func (s *Store) FindDevicesByOwner(ctx context.Context, ownerID string) ([]*models.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.devices.Find(ctx, bson.M{"owner": ownerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find devices: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []deviceDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb find devices decode: %w", err)
	}

	result := make([]*models.Device, len(docs))
	for i := range docs {
		result[i] = fromDeviceDocument(&docs[i])
	}
	return result, nil
}

func toSessionDocument(s *models.Session) *sessionDocument {
	// Mongo keeps millisecond precision; truncate so reads compare equal.
	trunc := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := t.UTC().Truncate(time.Millisecond)
		return &v
	}
	return &sessionDocument{
		ID:              s.ID,
		Renter:          s.Renter,
		Device:          s.Device,
		Status:          string(s.Status),
		StartTime:       trunc(s.StartTime),
		EndTime:         trunc(s.EndTime),
		Language:        s.Language,
		Output:          s.Output,
		ResourceUsage:   s.ResourceUsage,
		Cost:            s.Cost,
		ExecutionStatus: string(s.ExecutionStatus),
		ExitCode:        s.ExitCode,
		ExecutionError:  s.ExecutionError,
		CreatedAt:       s.CreatedAt.UTC().Truncate(time.Millisecond),
		UpdatedAt:       s.UpdatedAt.UTC().Truncate(time.Millisecond),
	}
}

func fromSessionDocument(doc *sessionDocument) *models.Session {
	return &models.Session{
		ID:              doc.ID,
		Renter:          doc.Renter,
		Device:          doc.Device,
		Status:          models.SessionStatus(doc.Status),
		StartTime:       doc.StartTime,
		EndTime:         doc.EndTime,
		Language:        doc.Language,
		Output:          doc.Output,
		ResourceUsage:   doc.ResourceUsage,
		Cost:            doc.Cost,
		ExecutionStatus: models.ExecutionStatus(doc.ExecutionStatus),
		ExitCode:        doc.ExitCode,
		ExecutionError:  doc.ExecutionError,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
}

func toDeviceDocument(d *models.Device) *deviceDocument {
	return &deviceDocument{
		ID:          d.ID,
		Owner:       d.Owner,
		Name:        d.Name,
		Price:       d.Price,
		IsAvailable: d.IsAvailable,
		CreatedAt:   d.CreatedAt.UTC().Truncate(time.Millisecond),
	}
}

func fromDeviceDocument(doc *deviceDocument) *models.Device {
	return &models.Device{
		ID:          doc.ID,
		Owner:       doc.Owner,
		Name:        doc.Name,
		Price:       doc.Price,
		IsAvailable: doc.IsAvailable,
		CreatedAt:   doc.CreatedAt,
	}
}
