// Package storetest is a behavioural suite every store backend must pass.
package storetest

import (
	"context"
	"errors"
	"testing"

	"nuha.dev/gpspipeline/internal/reading"
	"nuha.dev/gpspipeline/internal/store"
)

// Run exercises st, which must be migrated and empty.
func Run(t *testing.T, st store.Store) {
	t.Run("Devices", func(t *testing.T) { testDevices(t, st) })
	t.Run("UnknownDeviceRejected", func(t *testing.T) { testUnknownDevice(t, st) })
	t.Run("LatestPointerGuard", func(t *testing.T) { testLatestGuard(t, st) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, st) })
}

func session(t *testing.T, st store.Store) store.Session {
	t.Helper()
	s, err := st.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Release)
	return s
}

// Insert writes r and moves the pointer like the persistence coordinator does.
func Insert(t *testing.T, s store.Session, r reading.Reading) (int64, error) {
	t.Helper()
	ctx := context.Background()
	var id int64
	err := s.InTx(ctx, func(tx store.Tx) error {
		var err error
		id, err = tx.InsertLocation(ctx, r)
		if err != nil {
			return err
		}
		return tx.UpsertLatest(ctx, r.DeviceId, id, r.Time())
	})
	return id, err
}

func testDevices(t *testing.T, st store.Store) {
	ctx := context.Background()
	s := session(t, st)
	a, err := s.CreateDevice(ctx, "device-a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateDevice(ctx, "device-b")
	if err != nil {
		t.Fatal(err)
	}
	if a.Id == b.Id || a.Id == 0 {
		t.Errorf("unexpected ids %d %d", a.Id, b.Id)
	}
	_, err = s.CreateDevice(ctx, "device-a")
	if !errors.Is(err, store.ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
	got, err := s.Device(ctx, b.Id)
	if err != nil || got != b {
		t.Errorf("expected %+v, got %+v %v", b, got, err)
	}
	_, err = s.Device(ctx, 999999)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	list, err := s.Devices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) < 2 {
		t.Errorf("expected at least 2 devices, got %d", len(list))
	}
}

func testUnknownDevice(t *testing.T, st store.Store) {
	ctx := context.Background()
	s := session(t, st)
	_, err := Insert(t, s, reading.Reading{DeviceId: 424242, Timestamp: 1700000000, Latitude: 1, Longitude: 2})
	if !errors.Is(err, store.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	h, err := s.LocationHistory(ctx, 424242)
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 0 {
		t.Errorf("expected no history rows, got %d", len(h))
	}
	_, err = s.LatestLocation(ctx, 424242)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testLatestGuard(t *testing.T, st store.Store) {
	ctx := context.Background()
	s := session(t, st)
	d, err := s.CreateDevice(ctx, "guard")
	if err != nil {
		t.Fatal(err)
	}
	newer, err := Insert(t, s, reading.Reading{DeviceId: d.Id, Timestamp: 2000, Latitude: 1, Longitude: 1})
	if err != nil {
		t.Fatal(err)
	}
	// an older reading arriving late is kept in history but not pointed at
	_, err = Insert(t, s, reading.Reading{DeviceId: d.Id, Timestamp: 1000, Latitude: 2, Longitude: 2})
	if err != nil {
		t.Fatal(err)
	}
	l, err := s.LatestLocation(ctx, d.Id)
	if err != nil {
		t.Fatal(err)
	}
	if l.Id != newer {
		t.Errorf("pointer moved to older record: want %d got %d", newer, l.Id)
	}
	// equal timestamp goes to the most recently processed record
	tie, err := Insert(t, s, reading.Reading{DeviceId: d.Id, Timestamp: 2000, Latitude: 3, Longitude: 3})
	if err != nil {
		t.Fatal(err)
	}
	l, _ = s.LatestLocation(ctx, d.Id)
	if l.Id != tie {
		t.Errorf("tie should go to latest processed: want %d got %d", tie, l.Id)
	}
	h, _ := s.LocationHistory(ctx, d.Id)
	if len(h) != 3 {
		t.Errorf("expected 3 history rows, got %d", len(h))
	}
	if h[0].Timestamp.Unix() != 1000 {
		t.Errorf("history not ordered by time: %+v", h)
	}
	all, err := s.LatestLocations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, x := range all {
		if x.DeviceId == d.Id {
			found = true
			if x.Id != tie {
				t.Errorf("LatestLocations disagrees with LatestLocation")
			}
		}
	}
	if !found {
		t.Error("device missing from LatestLocations")
	}
}

func testRollback(t *testing.T, st store.Store) {
	ctx := context.Background()
	s := session(t, st)
	d, err := s.CreateDevice(ctx, "rollback")
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err = s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertLocation(ctx, reading.Reading{DeviceId: d.Id, Timestamp: 5, Latitude: 1, Longitude: 1})
		if err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	h, _ := s.LocationHistory(ctx, d.Id)
	if len(h) != 0 {
		t.Errorf("rolled back insert is visible: %+v", h)
	}
}
