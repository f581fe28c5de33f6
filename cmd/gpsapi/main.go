package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"

	"nuha.dev/gpspipeline/internal/api"
	"nuha.dev/gpspipeline/internal/api/sublist"
	"nuha.dev/gpspipeline/internal/api/webstream"
	"nuha.dev/gpspipeline/internal/config"
	"nuha.dev/gpspipeline/internal/store"
	"nuha.dev/gpspipeline/internal/store/backend"
)

func main() {
	c, err := config.Load("gpsapi", os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	err = c.Validate("log", "api", "store")
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	c.SetupLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	open, err := backend.Opener(c.Store.Driver, c.Store.URL, c.Store.PoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	conn := store.NewConnector(open, store.ConnectorConfig{RetryDelay: c.Store.RetryDelay, Migrate: c.Store.Migrate})
	defer conn.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := api.NewApi(conn, &api.ApiConfig{ListenAddr: c.API.Addr}).Run(ctx)
		if err != nil {
			log.Error().Err(err).Msg("api server stopped")
			stop()
		}
	}()

	if c.API.WsAddr != "" && c.Broker.NotifySubject != "" {
		ws := webstream.NewWebstream(sublist.NewSublistMap(), webstream.WebStreamConfig{ListenAddr: c.API.WsAddr})
		nc, err := nats.Connect(c.Broker.URL, nats.Name("gpsapi"), nats.MaxReconnects(-1), nats.RetryOnFailedConnect(true))
		if err != nil {
			log.Error().Err(err).Msg("live feed disabled")
		} else {
			defer nc.Close()
			_, err = ws.Listen(nc, c.Broker.NotifySubject)
			if err != nil {
				log.Error().Err(err).Msg("live feed disabled")
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := ws.Run(ctx)
				if err != nil {
					log.Error().Err(err).Msg("ws server stopped")
					stop()
				}
			}()
		}
	}
	wg.Wait()
	log.Info().Msg("api shut down")
}
