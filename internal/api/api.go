// Package api serves the device registry and location queries over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/phuslu/log"
)

type ApiConfig struct {
	ListenAddr string
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	log    log.Logger
}

func NewApi(sessions Sessions, config *ApiConfig) *Api {
	api := &Api{config: config}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)

	disp := NewDispatcher()
	device_api := NewDeviceApi(sessions)
	disp.Add("GetDevices", device_api.GetDevices)
	disp.Add("GetDevice", device_api.GetDevice)
	disp.Add("CreateDevice", device_api.CreateDevice)
	disp.Add("GetLocationHistory", device_api.GetLocationHistory)
	disp.Add("GetLastLocations", device_api.GetLastLocations)

	r.Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
		disp.Call(chi.URLParam(r, "name"), w, r)
	})

	api.r = r
	api.s = &http.Server{
		Addr:           api.config.ListenAddr,
		Handler:        api.r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// Run serves until ctx is done.
func (api *Api) Run(ctx context.Context) error {
	api.log.Info().Msgf("starting api-server on : %s", api.s.Addr)
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = api.s.Shutdown(sctx)
	})
	defer stop()
	err := api.s.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
