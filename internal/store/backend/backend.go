// Package backend picks a store implementation by driver name.
package backend

import (
	"fmt"

	"nuha.dev/gpspipeline/internal/store"
	"nuha.dev/gpspipeline/internal/store/pgstore"
	"nuha.dev/gpspipeline/internal/store/sqlitestore"
)

const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// Opener returns the opener for driver. For sqlite, url is the database file
// path; poolSize is ignored by postgres, which reads pool_max_conns from url.
func Opener(driver string, url string, poolSize int) (store.Opener, error) {
	switch driver {
	case Postgres:
		return pgstore.Opener(url), nil
	case SQLite:
		return sqlitestore.Opener(sqlitestore.Config{Path: url, PoolSize: poolSize}), nil
	}
	return nil, fmt.Errorf("backend: unknown store driver %q", driver)
}
