package reading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
)

// ErrDecode is wrapped by every error returned from Decode and ReadFrom.
var ErrDecode = errors.New("reading: decode error")

var vld = validator.New()

// Reading is one device's position and time report. It is the unit carried
// on the device wire and as the broker message body.
type Reading struct {
	DeviceId  int64   `json:"device_id"`
	Timestamp int64   `json:"timestamp"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// field names are matched exactly, unlike encoding/json's struct matching
var fieldNames = [...]string{"device_id", "timestamp", "latitude", "longitude"}

// wire form, every field must be present
type wireReading struct {
	DeviceId  *int64   `json:"device_id" validate:"required"`
	Timestamp *int64   `json:"timestamp" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
}

// Time is the producer timestamp as UTC.
func (r Reading) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

func (r Reading) MarshalObject(e *log.Entry) {
	e.Int64("device_id", r.DeviceId).Int64("timestamp", r.Timestamp).Float64("latitude", r.Latitude).Float64("longitude", r.Longitude)
}

func Encode(r Reading) ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses exactly one reading from b. Surrounding whitespace is
// allowed, anything else after the object is not.
func Decode(b []byte) (Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	r, err := decode(dec)
	if err != nil {
		return Reading{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Reading{}, fmt.Errorf("%w: trailing data after object", ErrDecode)
	}
	return r, nil
}

// ReadFrom decodes one reading from a stream. It returns as soon as the
// closing brace is read so the peer does not have to half-close first.
func ReadFrom(rd io.Reader) (Reading, error) {
	return decode(json.NewDecoder(rd))
}

func decode(dec *json.Decoder) (Reading, error) {
	var raw map[string]json.RawMessage
	err := dec.Decode(&raw)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var w wireReading
	fields := [...]any{&w.DeviceId, &w.Timestamp, &w.Latitude, &w.Longitude}
	for i, name := range fieldNames {
		v, ok := raw[name]
		if !ok {
			return Reading{}, fmt.Errorf("%w: missing field %s", ErrDecode, name)
		}
		err = json.Unmarshal(v, fields[i])
		if err != nil {
			return Reading{}, fmt.Errorf("%w: field %s: %v", ErrDecode, name, err)
		}
	}
	err = vld.Struct(&w)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Reading{DeviceId: *w.DeviceId, Timestamp: *w.Timestamp, Latitude: *w.Latitude, Longitude: *w.Longitude}, nil
}
