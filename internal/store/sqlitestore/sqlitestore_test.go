package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"nuha.dev/gpspipeline/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "gps.db"), PoolSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	// second migrate must be a no-op
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	storetest.Run(t, st)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	if err == nil {
		t.Error("expected error for empty path")
	}
}
