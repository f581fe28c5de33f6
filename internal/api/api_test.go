package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"nuha.dev/gpspipeline/internal/persist"
	"nuha.dev/gpspipeline/internal/reading"
	"nuha.dev/gpspipeline/internal/store"
	"nuha.dev/gpspipeline/internal/store/sqlitestore"
)

func newTestApi(t *testing.T) (*httptest.Server, *store.Connector) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api.db")
	conn := store.NewConnector(sqlitestore.Opener(sqlitestore.Config{Path: path}), store.ConnectorConfig{Migrate: true, RetryDelay: time.Millisecond})
	t.Cleanup(conn.Close)
	hs := httptest.NewServer(NewApi(conn, &ApiConfig{}).Handler())
	t.Cleanup(hs.Close)
	return hs, conn
}

func call(t *testing.T, hs *httptest.Server, name string, req any, res any) int {
	t.Helper()
	var body bytes.Buffer
	if req != nil {
		if err := json.NewEncoder(&body).Encode(req); err != nil {
			t.Fatal(err)
		}
	}
	r, err := http.Post(hs.URL+"/func/"+name, "application/json", &body)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	if r.StatusCode == http.StatusOK && res != nil {
		if err := json.NewDecoder(r.Body).Decode(res); err != nil {
			t.Fatal(err)
		}
	}
	return r.StatusCode
}

func TestDeviceRegistry(t *testing.T) {
	hs, _ := newTestApi(t)
	var created DeviceResponseModel
	if code := call(t, hs, "CreateDevice", CreateDeviceRequestModel{Name: "truck-1"}, &created); code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if created.Status != 0 || created.Device == nil || created.Device.Name != "truck-1" {
		t.Fatalf("unexpected response %+v", created)
	}

	var dup DeviceResponseModel
	call(t, hs, "CreateDevice", CreateDeviceRequestModel{Name: "truck-1"}, &dup)
	if dup.Status != -1 {
		t.Errorf("duplicate name should be refused, got %+v", dup)
	}

	var got DeviceResponseModel
	call(t, hs, "GetDevice", DeviceIdRequestModel{DeviceId: created.Device.Id}, &got)
	if got.Device == nil || got.Device.Id != created.Device.Id {
		t.Errorf("unexpected device %+v", got)
	}
	var missing DeviceResponseModel
	call(t, hs, "GetDevice", DeviceIdRequestModel{DeviceId: 999}, &missing)
	if missing.Status != -1 || missing.Device != nil {
		t.Errorf("unknown device should report -1, got %+v", missing)
	}

	call(t, hs, "CreateDevice", CreateDeviceRequestModel{Name: "truck-2"}, nil)
	var devices []store.Device
	call(t, hs, "GetDevices", nil, &devices)
	if len(devices) != 2 || devices[0].Name != "truck-1" || devices[1].Name != "truck-2" {
		t.Errorf("unexpected device list %+v", devices)
	}
}

func TestLocationQueries(t *testing.T) {
	hs, conn := newTestApi(t)
	var created DeviceResponseModel
	call(t, hs, "CreateDevice", CreateDeviceRequestModel{Name: "device-1"}, &created)
	id := created.Device.Id

	var empty []store.Location
	call(t, hs, "GetLastLocations", nil, &empty)
	if len(empty) != 0 {
		t.Errorf("expected no locations yet")
	}

	c := persist.NewCoordinator(conn)
	for _, ts := range []int64{1700000002, 1700000001, 1700000003} {
		_, err := c.Persist(context.Background(), reading.Reading{DeviceId: id, Timestamp: ts, Latitude: 10.123456, Longitude: 20.654321})
		if err != nil {
			t.Fatal(err)
		}
	}

	var history []store.Location
	call(t, hs, "GetLocationHistory", DeviceIdRequestModel{DeviceId: id}, &history)
	if len(history) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(history))
	}
	for i, want := range []int64{1700000001, 1700000002, 1700000003} {
		if history[i].Timestamp.Unix() != want {
			t.Errorf("row %d: got %v", i, history[i].Timestamp)
		}
	}

	var last []store.Location
	call(t, hs, "GetLastLocations", nil, &last)
	if len(last) != 1 || last[0].Timestamp.Unix() != 1700000003 || last[0].DeviceId != id {
		t.Errorf("unexpected latest locations %+v", last)
	}
}

func TestDispatcherErrors(t *testing.T) {
	hs, _ := newTestApi(t)
	if code := call(t, hs, "DropEverything", nil, nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
	if code := call(t, hs, "CreateDevice", CreateDeviceRequestModel{}, nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for a missing name, got %d", code)
	}
	r, err := http.Post(hs.URL+"/func/GetDevice", "application/json", bytes.NewBufferString("{"))
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad json, got %d", r.StatusCode)
	}
}

func TestDispatcherRejectsBadShape(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewDispatcher().Add("Nope", func() {})
}
