// Package devicesim drives fake field devices against a running pipeline:
// it registers devices through the API and reports their wandering positions
// to the gateway.
package devicesim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"nuha.dev/gpspipeline/internal/reading"
)

var ErrNoAck = errors.New("devicesim: gateway did not acknowledge")

type Config struct {
	APIURL      string
	GatewayAddr string
	Interval    time.Duration
	// Create is the number of devices registered before the first tick.
	Create  int
	Step    float64
	Seed    int64
	Timeout time.Duration
}

type Device struct {
	Id        int64
	Latitude  float64
	Longitude float64
}

func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}

func NewDevice(id int64, rnd *rand.Rand) *Device {
	return &Device{
		Id:        id,
		Latitude:  round6(rnd.Float64()*180 - 90),
		Longitude: round6(rnd.Float64()*360 - 180),
	}
}

// Move shifts the device by at most step degrees on each axis.
func (d *Device) Move(rnd *rand.Rand, step float64) {
	d.Latitude = round6(math.Max(-90, math.Min(90, d.Latitude+(rnd.Float64()*2-1)*step)))
	d.Longitude = round6(math.Max(-180, math.Min(180, d.Longitude+(rnd.Float64()*2-1)*step)))
}

func (d *Device) Reading(now time.Time) reading.Reading {
	return reading.Reading{DeviceId: d.Id, Timestamp: now.Unix(), Latitude: d.Latitude, Longitude: d.Longitude}
}

// Fleet tracks the simulated devices, following the registry.
type Fleet struct {
	rnd     *rand.Rand
	devices map[int64]*Device
}

func NewFleet(seed int64) *Fleet {
	return &Fleet{rnd: rand.New(rand.NewSource(seed)), devices: make(map[int64]*Device)}
}

// Update drops devices that are no longer registered and adds new ones.
func (f *Fleet) Update(ids []int64) {
	keep := make(map[int64]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
		if _, ok := f.devices[id]; !ok {
			f.devices[id] = NewDevice(id, f.rnd)
		}
	}
	for id := range f.devices {
		if !keep[id] {
			delete(f.devices, id)
		}
	}
}

func (f *Fleet) Move(step float64) {
	for _, id := range f.ids() {
		f.devices[id].Move(f.rnd, step)
	}
}

func (f *Fleet) Readings(now time.Time) []reading.Reading {
	ids := f.ids()
	rs := make([]reading.Reading, 0, len(ids))
	for _, id := range ids {
		rs = append(rs, f.devices[id].Reading(now))
	}
	return rs
}

func (f *Fleet) Len() int {
	return len(f.devices)
}

func (f *Fleet) ids() []int64 {
	ids := make([]int64, 0, len(f.devices))
	for id := range f.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Client talks to the registry API.
type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	return &Client{url: url, http: &http.Client{Timeout: timeout}}
}

func (c *Client) call(ctx context.Context, name string, req any, res any) error {
	var body bytes.Buffer
	if req != nil {
		err := json.NewEncoder(&body).Encode(req)
		if err != nil {
			return err
		}
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/func/"+name, &body)
	if err != nil {
		return err
	}
	hr.Header.Set("Content-Type", "application/json")
	r, err := c.http.Do(hr)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(r.Body, 512))
		return fmt.Errorf("devicesim: %s returned %d: %s", name, r.StatusCode, bytes.TrimSpace(b))
	}
	return json.NewDecoder(r.Body).Decode(res)
}

func (c *Client) DeviceIds(ctx context.Context) ([]int64, error) {
	var devices []struct {
		Id int64 `json:"id"`
	}
	err := c.call(ctx, "GetDevices", nil, &devices)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.Id)
	}
	return ids, nil
}

// CreateDevice registers name. An existing device with the same name is not
// an error.
func (c *Client) CreateDevice(ctx context.Context, name string) (created bool, err error) {
	var res struct {
		Status int `json:"status"`
	}
	err = c.call(ctx, "CreateDevice", map[string]string{"name": name}, &res)
	if err != nil {
		return false, err
	}
	return res.Status == 0, nil
}

// Send delivers one reading over a fresh connection and waits for the ack.
func Send(ctx context.Context, addr string, r reading.Reading, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(timeout))
	b, err := reading.Encode(r)
	if err != nil {
		return err
	}
	_, err = c.Write(b)
	if err != nil {
		return err
	}
	resp := make([]byte, 16)
	n, err := io.ReadAtLeast(c, resp, 3)
	if err != nil && n == 0 {
		return fmt.Errorf("%w: %v", ErrNoAck, err)
	}
	if string(resp[:n]) != "ACK" {
		return fmt.Errorf("%w: got %q", ErrNoAck, resp[:n])
	}
	return nil
}

type Simulator struct {
	config Config
	client *Client
	fleet  *Fleet
	logger zerolog.Logger
}

func NewSimulator(config Config, logger zerolog.Logger) *Simulator {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.Step <= 0 {
		config.Step = 0.0001
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Seed == 0 {
		config.Seed = time.Now().UnixNano()
	}
	return &Simulator{
		config: config,
		client: NewClient(config.APIURL, config.Timeout),
		fleet:  NewFleet(config.Seed),
		logger: logger.With().Str("module", "devicesim").Logger(),
	}
}

// Run registers the configured devices, retrying until the API answers, then
// reports every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	for {
		err := s.CreateDevices(ctx)
		if err == nil {
			break
		}
		s.logger.Error().Err(err).Msg("couldn't create devices, will try again")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		sent, err := s.Tick(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("tick failed")
		} else {
			s.logger.Info().Int("devices", s.fleet.Len()).Int("sent", sent).Msg("tick done")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Simulator) CreateDevices(ctx context.Context) error {
	for i := 1; i <= s.config.Create; i++ {
		name := fmt.Sprintf("device-%d", i)
		created, err := s.client.CreateDevice(ctx, name)
		if err != nil {
			return err
		}
		if created {
			s.logger.Debug().Str("name", name).Msg("device created")
		}
	}
	return nil
}

// Tick refreshes the fleet from the registry, moves every device and sends
// one reading each. It returns how many readings were acknowledged.
func (s *Simulator) Tick(ctx context.Context) (int, error) {
	ids, err := s.client.DeviceIds(ctx)
	if err != nil {
		return 0, err
	}
	s.fleet.Update(ids)
	s.fleet.Move(s.config.Step)
	sent := 0
	for _, r := range s.fleet.Readings(time.Now()) {
		err := Send(ctx, s.config.GatewayAddr, r, s.config.Timeout)
		if err != nil {
			s.logger.Warn().Err(err).Int64("device_id", r.DeviceId).Msg("reading not delivered")
			continue
		}
		s.logger.Debug().Int64("device_id", r.DeviceId).Float64("latitude", r.Latitude).Float64("longitude", r.Longitude).Msg("reading sent")
		sent++
	}
	return sent, nil
}
