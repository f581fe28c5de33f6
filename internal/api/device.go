package api

import (
	"context"
	"errors"

	"github.com/phuslu/log"

	"nuha.dev/gpspipeline/internal/store"
)

type Sessions interface {
	WithSession(ctx context.Context, fn func(store.Session) error) error
}

type DeviceIdRequestModel struct {
	DeviceId int64 `json:"device_id" validate:"required,gt=0"`
}

type CreateDeviceRequestModel struct {
	Name string `json:"name" validate:"required,max=255"`
}

type DeviceResponseModel struct {
	BasicResponse
	Device *store.Device `json:"device,omitempty"`
}

type DeviceApi struct {
	sessions Sessions
	log      log.Logger
}

func NewDeviceApi(sessions Sessions) *DeviceApi {
	d := &DeviceApi{sessions: sessions}
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "device-api").Value()
	return d
}

func (d *DeviceApi) GetDevices(ctx context.Context, res *[]store.Device) error {
	return d.sessions.WithSession(ctx, func(s store.Session) error {
		devices, err := s.Devices(ctx)
		if err != nil {
			return err
		}
		*res = devices
		return nil
	})
}

func (d *DeviceApi) GetDevice(ctx context.Context, req *DeviceIdRequestModel, res *DeviceResponseModel) error {
	return d.sessions.WithSession(ctx, func(s store.Session) error {
		dev, err := s.Device(ctx, req.DeviceId)
		if errors.Is(err, store.ErrNotFound) {
			res.Status = -1
			res.Message = "device not found"
			return nil
		}
		if err != nil {
			return err
		}
		res.Device = &dev
		return nil
	})
}

func (d *DeviceApi) CreateDevice(ctx context.Context, req *CreateDeviceRequestModel, res *DeviceResponseModel) error {
	return d.sessions.WithSession(ctx, func(s store.Session) error {
		dev, err := s.CreateDevice(ctx, req.Name)
		if errors.Is(err, store.ErrDuplicateName) {
			res.Status = -1
			res.Message = "duplicate name found"
			return nil
		}
		if err != nil {
			return err
		}
		d.log.Info().Int64("device_id", dev.Id).Str("name", dev.Name).Msg("device registered")
		res.Device = &dev
		return nil
	})
}

func (d *DeviceApi) GetLocationHistory(ctx context.Context, req *DeviceIdRequestModel, res *[]store.Location) error {
	return d.sessions.WithSession(ctx, func(s store.Session) error {
		h, err := s.LocationHistory(ctx, req.DeviceId)
		if err != nil {
			return err
		}
		*res = h
		return nil
	})
}

func (d *DeviceApi) GetLastLocations(ctx context.Context, res *[]store.Location) error {
	return d.sessions.WithSession(ctx, func(s store.Session) error {
		l, err := s.LatestLocations(ctx)
		if err != nil {
			return err
		}
		*res = l
		return nil
	})
}
