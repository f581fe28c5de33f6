package backend

import (
	"context"
	"path/filepath"
	"testing"
)

func TestUnknownDriver(t *testing.T) {
	if _, err := Opener("mysql", "", 0); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestSQLiteOpener(t *testing.T) {
	open, err := Opener(SQLite, filepath.Join(t.TempDir(), "b.db"), 1)
	if err != nil {
		t.Fatal(err)
	}
	st, err := open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
}
