// Package sqlitestore is the embedded single-file backend of the store
// contract. Foreign keys are enforced so unregistered devices are rejected
// the same way PostgreSQL rejects them.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phuslu/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"nuha.dev/gpspipeline/internal/reading"
	"nuha.dev/gpspipeline/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS locations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id INTEGER NOT NULL REFERENCES devices(id),
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	gps_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS locations_device_time_idx ON locations (device_id, gps_time);
CREATE TABLE IF NOT EXISTS latest_locations (
	device_id INTEGER PRIMARY KEY REFERENCES devices(id),
	location_id INTEGER NOT NULL REFERENCES locations(id),
	gps_time INTEGER NOT NULL
);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

type Config struct {
	Path     string
	PoolSize int
}

type Store struct {
	pool *sqlitex.Pool
	path string
	log  log.Logger
}

func Open(config Config) (*Store, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}
	size := config.PoolSize
	if size <= 0 {
		size = 4
	}
	pool, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", config.Path, err)
	}
	st := &Store{pool: pool, path: config.Path}
	st.log = log.DefaultLogger
	st.log.Context = log.NewContext(nil).Str("module", "sqlitestore").Value()
	st.log.Info().Str("path", config.Path).Int("pool_size", size).Msg("sqlite pool opened")
	return st, nil
}

// Opener adapts Open for store.Connector.
func Opener(config Config) store.Opener {
	return func(ctx context.Context) (store.Store, error) {
		return Open(config)
	}
}

func prepareConn(conn *sqlite.Conn) error {
	for _, p := range pragmas {
		err := sqlitex.ExecuteTransient(conn, p, nil)
		if err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", p, err)
		}
	}
	return nil
}

func (st *Store) Migrate(ctx context.Context) error {
	conn, err := st.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer st.pool.Put(conn)
	err = sqlitex.ExecuteScript(conn, schema, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return nil
}

func (st *Store) Acquire(ctx context.Context) (store.Session, error) {
	conn, err := st.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: take: %w", err)
	}
	return &session{st: st, c: conn}, nil
}

func (st *Store) Close() {
	err := st.pool.Close()
	if err != nil {
		st.log.Error().Err(err).Str("path", st.path).Msg("sqlite pool close error")
	}
}

func translate(err error) error {
	if err == nil || errors.Is(err, store.ErrUnknownDevice) || errors.Is(err, store.ErrDuplicateName) {
		return err
	}
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintForeignKey:
		return fmt.Errorf("%w: %v", store.ErrUnknownDevice, err)
	case sqlite.ResultConstraintUnique:
		return fmt.Errorf("%w: %v", store.ErrDuplicateName, err)
	}
	if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return fmt.Errorf("%w: %v", store.ErrUnknownDevice, err)
	}
	return err
}

type session struct {
	st *Store
	c  *sqlite.Conn
}

func (s *session) Release() {
	if s.c != nil {
		s.st.pool.Put(s.c)
		s.c = nil
	}
}

func (s *session) InTx(ctx context.Context, fn func(store.Tx) error) (err error) {
	end, err := sqlitex.ImmediateTransaction(s.c)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			abort := errors.New("sqlitestore: panic in transaction")
			end(&abort)
			panic(p)
		}
		end(&err)
		err = translate(err)
	}()
	return fn(&tx{c: s.c})
}

func (s *session) CreateDevice(ctx context.Context, name string) (store.Device, error) {
	err := sqlitex.Execute(s.c, `INSERT INTO devices (name) VALUES (?)`, &sqlitex.ExecOptions{Args: []any{name}})
	if err != nil {
		return store.Device{}, translate(err)
	}
	return store.Device{Id: s.c.LastInsertRowID(), Name: name}, nil
}

func (s *session) Device(ctx context.Context, id int64) (store.Device, error) {
	var d store.Device
	found := false
	err := sqlitex.Execute(s.c, `SELECT id,name FROM devices WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			d = store.Device{Id: stmt.ColumnInt64(0), Name: stmt.ColumnText(1)}
			found = true
			return nil
		},
	})
	if err != nil {
		return store.Device{}, err
	}
	if !found {
		return store.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (s *session) Devices(ctx context.Context) ([]store.Device, error) {
	devices := make([]store.Device, 0)
	err := sqlitex.Execute(s.c, `SELECT id,name FROM devices ORDER BY id`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			devices = append(devices, store.Device{Id: stmt.ColumnInt64(0), Name: stmt.ColumnText(1)})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func scanLocation(stmt *sqlite.Stmt) store.Location {
	return store.Location{
		Id:        stmt.ColumnInt64(0),
		DeviceId:  stmt.ColumnInt64(1),
		Latitude:  stmt.ColumnFloat(2),
		Longitude: stmt.ColumnFloat(3),
		Timestamp: time.Unix(stmt.ColumnInt64(4), 0).UTC(),
	}
}

func (s *session) queryLocations(query string, args ...any) ([]store.Location, error) {
	locations := make([]store.Location, 0)
	err := sqlitex.Execute(s.c, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			locations = append(locations, scanLocation(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return locations, nil
}

func (s *session) LocationHistory(ctx context.Context, deviceID int64) ([]store.Location, error) {
	return s.queryLocations(`SELECT id,device_id,latitude,longitude,gps_time FROM locations WHERE device_id = ? ORDER BY gps_time ASC, id ASC`, deviceID)
}

func (s *session) LatestLocation(ctx context.Context, deviceID int64) (store.Location, error) {
	l, err := s.queryLocations(`SELECT l.id,l.device_id,l.latitude,l.longitude,l.gps_time
	FROM latest_locations p INNER JOIN locations l ON l.id = p.location_id
	WHERE p.device_id = ?`, deviceID)
	if err != nil {
		return store.Location{}, err
	}
	if len(l) == 0 {
		return store.Location{}, store.ErrNotFound
	}
	return l[0], nil
}

func (s *session) LatestLocations(ctx context.Context) ([]store.Location, error) {
	return s.queryLocations(`SELECT l.id,l.device_id,l.latitude,l.longitude,l.gps_time
	FROM latest_locations p INNER JOIN locations l ON l.id = p.location_id
	ORDER BY p.device_id`)
}

type tx struct {
	c *sqlite.Conn
}

func (x *tx) InsertLocation(ctx context.Context, r reading.Reading) (int64, error) {
	err := sqlitex.Execute(x.c, `INSERT INTO locations (device_id,latitude,longitude,gps_time) VALUES (?,?,?,?)`, &sqlitex.ExecOptions{
		Args: []any{r.DeviceId, r.Latitude, r.Longitude, r.Timestamp},
	})
	if err != nil {
		return 0, translate(err)
	}
	return x.c.LastInsertRowID(), nil
}

func (x *tx) UpsertLatest(ctx context.Context, deviceID int64, locationID int64, ts time.Time) error {
	err := sqlitex.Execute(x.c, `INSERT INTO latest_locations (device_id,location_id,gps_time) VALUES (?,?,?)
	ON CONFLICT (device_id) DO UPDATE SET location_id = excluded.location_id, gps_time = excluded.gps_time
	WHERE latest_locations.gps_time <= excluded.gps_time`, &sqlitex.ExecOptions{
		Args: []any{deviceID, locationID, ts.Unix()},
	})
	return translate(err)
}
