// Package store holds the transactional store contract shared by the
// PostgreSQL and SQLite backends, and the Connector that establishes a store
// lazily and hands out scoped sessions.
package store

import (
	"context"
	"errors"
	"time"

	"nuha.dev/gpspipeline/internal/reading"
)

var (
	// ErrUnknownDevice is returned when a write references a device id that
	// has no row in devices.
	ErrUnknownDevice = errors.New("store: device not registered")
	ErrDuplicateName = errors.New("store: duplicate device name")
	ErrNotFound      = errors.New("store: not found")
)

type Device struct {
	Id   int64  `json:"id"`
	Name string `json:"name"`
}

type Location struct {
	Id        int64     `json:"id"`
	DeviceId  int64     `json:"device_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Tx is the write surface available inside one transaction.
type Tx interface {
	InsertLocation(ctx context.Context, r reading.Reading) (int64, error)
	// UpsertLatest points the device at locationID unless the current pointer
	// already references a strictly newer record.
	UpsertLatest(ctx context.Context, deviceID int64, locationID int64, ts time.Time) error
}

// Session is a single-owner handle on one store connection. It is not safe
// for concurrent use.
type Session interface {
	// InTx runs fn in a transaction, committing when fn returns nil and
	// rolling back on error or panic.
	InTx(ctx context.Context, fn func(Tx) error) error

	CreateDevice(ctx context.Context, name string) (Device, error)
	Device(ctx context.Context, id int64) (Device, error)
	Devices(ctx context.Context) ([]Device, error)
	LocationHistory(ctx context.Context, deviceID int64) ([]Location, error)
	LatestLocation(ctx context.Context, deviceID int64) (Location, error)
	LatestLocations(ctx context.Context) ([]Location, error)

	Release()
}

type Store interface {
	Acquire(ctx context.Context) (Session, error)
	// Migrate creates the schema when it does not exist yet.
	Migrate(ctx context.Context) error
	Close()
}

// Opener establishes a store. It is called repeatedly by the Connector
// until it succeeds.
type Opener func(ctx context.Context) (Store, error)
