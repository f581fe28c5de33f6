package reading

import (
	"errors"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	rs := []Reading{
		{DeviceId: 1, Timestamp: 1700000000, Latitude: 10.123456, Longitude: 20.654321},
		{DeviceId: 42, Timestamp: 0, Latitude: -90, Longitude: 180},
		{DeviceId: 7, Timestamp: -5, Latitude: 0.1 + 0.2, Longitude: -179.999999},
		// out of range values are carried untouched
		{DeviceId: -3, Timestamp: 1, Latitude: 123.5, Longitude: -500},
	}
	for _, r := range rs {
		b, err := Encode(r)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
		if got != r {
			t.Errorf("round trip mismatch: want %+v got %+v", r, got)
		}
	}
}

func TestEncodeFieldNames(t *testing.T) {
	b, _ := Encode(Reading{DeviceId: 1, Timestamp: 2, Latitude: 3.5, Longitude: 4.5})
	want := `{"device_id":1,"timestamp":2,"latitude":3.5,"longitude":4.5}`
	if string(b) != want {
		t.Errorf("want %s got %s", want, b)
	}
}

func TestDecodeWhitespace(t *testing.T) {
	in := "\n  { \"latitude\" : 10.5,\n\t\"longitude\": -2,  \"timestamp\":1700000000, \"device_id\" : 9 }  \r\n"
	r, err := Decode([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	if r.DeviceId != 9 || r.Latitude != 10.5 || r.Longitude != -2 || r.Timestamp != 1700000000 {
		t.Errorf("unexpected reading %+v", r)
	}
}

func TestDecodeErrors(t *testing.T) {
	bad := []string{
		``,
		`{`,
		`not json`,
		`{"device_id":1,"timestamp":2,"latitude":3}`,
		`{"device_id":1,"timestamp":2,"longitude":3}`,
		`{"timestamp":2,"latitude":3,"longitude":4}`,
		`{"device_id":1,"latitude":3,"longitude":4}`,
		`{"device_id":"1","timestamp":2,"latitude":3,"longitude":4}`,
		`{"device_id":1,"timestamp":2,"latitude":"north","longitude":4}`,
		`{"device_id":1.5,"timestamp":2,"latitude":3,"longitude":4}`,
		`{"device_id":1,"timestamp":2,"latitude":null,"longitude":4}`,
		`{"device_id":1,"timestamp":2,"latitude":3,"longitude":4} {}`,
		`[1,2,3,4]`,
		`null`,
		`{"DEVICE_ID":1,"timestamp":2,"latitude":3,"longitude":4}`,
		`{"device_id":1,"Timestamp":2,"latitude":3,"longitude":4}`,
	}
	for _, s := range bad {
		_, err := Decode([]byte(s))
		if err == nil {
			t.Errorf("expected error for %q", s)
			continue
		}
		if !errors.Is(err, ErrDecode) {
			t.Errorf("error for %q does not wrap ErrDecode: %v", s, err)
		}
	}
}

func TestDecodeZeroValuesPresent(t *testing.T) {
	r, err := Decode([]byte(`{"device_id":0,"timestamp":0,"latitude":0,"longitude":0}`))
	if err != nil {
		t.Fatal(err)
	}
	if r != (Reading{}) {
		t.Errorf("unexpected %+v", r)
	}
}

func TestDecodeMatchesFieldNamesExactly(t *testing.T) {
	r, err := Decode([]byte(`{"DEVICE_ID":2,"device_id":1,"timestamp":2,"latitude":3,"longitude":4}`))
	if err != nil {
		t.Fatal(err)
	}
	if r.DeviceId != 1 {
		t.Errorf("expected device_id 1, got %d", r.DeviceId)
	}
}

func TestReadFromStopsAtObject(t *testing.T) {
	rd := strings.NewReader(`{"device_id":5,"timestamp":10,"latitude":1,"longitude":2}garbage`)
	r, err := ReadFrom(rd)
	if err != nil {
		t.Fatal(err)
	}
	if r.DeviceId != 5 {
		t.Errorf("unexpected %+v", r)
	}
}

func TestTime(t *testing.T) {
	r := Reading{Timestamp: 1700000000}
	if r.Time().Unix() != 1700000000 || r.Time().Location().String() != "UTC" {
		t.Errorf("unexpected time %v", r.Time())
	}
}
