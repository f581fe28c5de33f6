// Package persist turns one broker message into a history row plus a refreshed
// latest-location pointer, inside a single transaction.
package persist

import (
	"context"
	"errors"

	"github.com/phuslu/log"

	"nuha.dev/gpspipeline/internal/reading"
	"nuha.dev/gpspipeline/internal/store"
)

type Status int

const (
	Persisted Status = iota
	Rejected
)

func (s Status) String() string {
	switch s {
	case Persisted:
		return "persisted"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

const (
	ReasonMalformed     = "malformed payload"
	ReasonUnknownDevice = "device not registered"
)

// Outcome is the expected result of processing a message. Unexpected
// failures are reported as errors instead.
type Outcome struct {
	Status     Status
	Reading    reading.Reading
	LocationId int64
	Reason     string
}

type SessionProvider interface {
	WithSession(ctx context.Context, fn func(store.Session) error) error
}

type Coordinator struct {
	sessions SessionProvider
	log      log.Logger
}

func NewCoordinator(sessions SessionProvider) *Coordinator {
	c := &Coordinator{sessions: sessions}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "persist").Value()
	return c
}

// Process decodes body and persists it. A payload that cannot be decoded is
// rejected and not retried.
func (c *Coordinator) Process(ctx context.Context, body []byte) (Outcome, error) {
	r, err := reading.Decode(body)
	if err != nil {
		c.log.Warn().Err(err).Bytes("body", body).Msg("dropping undecodable message")
		return Outcome{Status: Rejected, Reason: ReasonMalformed}, nil
	}
	return c.Persist(ctx, r)
}

// Persist inserts the location record and moves the device pointer in one
// transaction. Either both writes are committed or neither is.
func (c *Coordinator) Persist(ctx context.Context, r reading.Reading) (Outcome, error) {
	var id int64
	err := c.sessions.WithSession(ctx, func(s store.Session) error {
		return s.InTx(ctx, func(tx store.Tx) error {
			var err error
			id, err = tx.InsertLocation(ctx, r)
			if err != nil {
				return err
			}
			return tx.UpsertLatest(ctx, r.DeviceId, id, r.Time())
		})
	})
	if errors.Is(err, store.ErrUnknownDevice) {
		c.log.Info().EmbedObject(r).Msg("device not registered, reading rejected")
		return Outcome{Status: Rejected, Reading: r, Reason: ReasonUnknownDevice}, nil
	}
	if err != nil {
		c.log.Error().Err(err).EmbedObject(r).Msg("unexpected error persisting reading, rolled back")
		return Outcome{}, err
	}
	c.log.Info().Int64("device_id", r.DeviceId).Int64("location_id", id).Msg("location saved")
	return Outcome{Status: Persisted, Reading: r, LocationId: id}, nil
}
