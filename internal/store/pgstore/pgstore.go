package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"nuha.dev/gpspipeline/internal/reading"
	"nuha.dev/gpspipeline/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS locations (
	id BIGSERIAL PRIMARY KEY,
	device_id BIGINT NOT NULL REFERENCES devices(id),
	latitude DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	gps_time TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS locations_device_time_idx ON locations (device_id, gps_time);
CREATE TABLE IF NOT EXISTS latest_locations (
	device_id BIGINT PRIMARY KEY REFERENCES devices(id),
	location_id BIGINT NOT NULL REFERENCES locations(id),
	gps_time TIMESTAMPTZ NOT NULL
);
`

type Store struct {
	dbp *pgxpool.Pool
	log log.Logger
}

// Open connects a pgx pool and verifies the server answers.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool), nil
}

func New(db *pgxpool.Pool) *Store {
	o := &Store{dbp: db}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	return o
}

// Opener adapts Open for store.Connector.
func Opener(url string) store.Opener {
	return func(ctx context.Context) (store.Store, error) {
		return Open(ctx, url)
	}
}

func (st *Store) Migrate(ctx context.Context) error {
	_, err := st.dbp.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	st.log.Debug().Msg("schema ready")
	return nil
}

func (st *Store) Acquire(ctx context.Context) (store.Session, error) {
	c, err := st.dbp.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: acquire: %w", err)
	}
	return &session{c: c}, nil
}

func (st *Store) Close() {
	st.dbp.Close()
}

// translate maps constraint violations to the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %s", store.ErrUnknownDevice, pgErr.Detail)
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrDuplicateName, pgErr.Detail)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

type session struct {
	c *pgxpool.Conn
}

func (s *session) Release() {
	s.c.Release()
}

func (s *session) InTx(ctx context.Context, fn func(store.Tx) error) error {
	t, err := s.c.Begin(ctx)
	if err != nil {
		return err
	}
	// no-op once committed
	defer func() { _ = t.Rollback(ctx) }()
	err = fn(&tx{t: t})
	if err != nil {
		return err
	}
	return translate(t.Commit(ctx))
}

func (s *session) CreateDevice(ctx context.Context, name string) (store.Device, error) {
	d := store.Device{Name: name}
	err := s.c.QueryRow(ctx, `INSERT INTO devices (name) VALUES ($1) RETURNING id`, name).Scan(&d.Id)
	if err != nil {
		return store.Device{}, translate(err)
	}
	return d, nil
}

func (s *session) Device(ctx context.Context, id int64) (store.Device, error) {
	d := store.Device{}
	err := s.c.QueryRow(ctx, `SELECT id,name FROM devices WHERE id = $1`, id).Scan(&d.Id, &d.Name)
	if err != nil {
		return store.Device{}, translate(err)
	}
	return d, nil
}

func (s *session) Devices(ctx context.Context) ([]store.Device, error) {
	rows, err := s.c.Query(ctx, `SELECT id,name FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	devices := make([]store.Device, 0)
	for rows.Next() {
		d := store.Device{}
		err := rows.Scan(&d.Id, &d.Name)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *session) LocationHistory(ctx context.Context, deviceID int64) ([]store.Location, error) {
	rows, err := s.c.Query(ctx, `SELECT id,device_id,latitude,longitude,gps_time FROM locations WHERE device_id = $1 ORDER BY gps_time ASC, id ASC`, deviceID)
	if err != nil {
		return nil, err
	}
	return scanLocations(rows)
}

func (s *session) LatestLocation(ctx context.Context, deviceID int64) (store.Location, error) {
	l := store.Location{}
	err := s.c.QueryRow(ctx, `SELECT l.id,l.device_id,l.latitude,l.longitude,l.gps_time
	FROM latest_locations p INNER JOIN locations l ON l.id = p.location_id
	WHERE p.device_id = $1`, deviceID).Scan(&l.Id, &l.DeviceId, &l.Latitude, &l.Longitude, &l.Timestamp)
	if err != nil {
		return store.Location{}, translate(err)
	}
	l.Timestamp = l.Timestamp.UTC()
	return l, nil
}

func (s *session) LatestLocations(ctx context.Context) ([]store.Location, error) {
	rows, err := s.c.Query(ctx, `SELECT l.id,l.device_id,l.latitude,l.longitude,l.gps_time
	FROM latest_locations p INNER JOIN locations l ON l.id = p.location_id
	ORDER BY p.device_id`)
	if err != nil {
		return nil, err
	}
	return scanLocations(rows)
}

func scanLocations(rows pgx.Rows) ([]store.Location, error) {
	defer rows.Close()
	locations := make([]store.Location, 0)
	for rows.Next() {
		l := store.Location{}
		err := rows.Scan(&l.Id, &l.DeviceId, &l.Latitude, &l.Longitude, &l.Timestamp)
		if err != nil {
			return nil, err
		}
		l.Timestamp = l.Timestamp.UTC()
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

type tx struct {
	t pgx.Tx
}

func (x *tx) InsertLocation(ctx context.Context, r reading.Reading) (int64, error) {
	var id int64
	err := x.t.QueryRow(ctx, `INSERT INTO locations (device_id,latitude,longitude,gps_time) VALUES ($1,$2,$3,$4) RETURNING id`,
		r.DeviceId, r.Latitude, r.Longitude, r.Time()).Scan(&id)
	if err != nil {
		return 0, translate(err)
	}
	return id, nil
}

func (x *tx) UpsertLatest(ctx context.Context, deviceID int64, locationID int64, ts time.Time) error {
	_, err := x.t.Exec(ctx, `INSERT INTO latest_locations (device_id,location_id,gps_time) VALUES ($1,$2,$3)
	ON CONFLICT (device_id) DO UPDATE SET location_id = EXCLUDED.location_id, gps_time = EXCLUDED.gps_time
	WHERE latest_locations.gps_time <= EXCLUDED.gps_time`, deviceID, locationID, ts)
	return translate(err)
}
