package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"

	"nuha.dev/gpspipeline/internal/broker"
	"nuha.dev/gpspipeline/internal/config"
	"nuha.dev/gpspipeline/internal/persist"
	"nuha.dev/gpspipeline/internal/store"
	"nuha.dev/gpspipeline/internal/store/backend"
)

func main() {
	c, err := config.Load("gpsprocessor", os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	err = c.Validate("log", "broker", "store")
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	c.SetupLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ackMode, err := broker.ParseAckMode(c.Broker.AckMode)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	open, err := backend.Opener(c.Store.Driver, c.Store.URL, c.Store.PoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	conn := store.NewConnector(open, store.ConnectorConfig{RetryDelay: c.Store.RetryDelay, Migrate: c.Store.Migrate})
	defer conn.Close()

	bc := broker.Config{
		URL:          c.Broker.URL,
		Stream:       c.Broker.Stream,
		Subject:      c.Broker.Subject,
		Durable:      c.Broker.Durable,
		AckMode:      ackMode,
		RetryBackoff: c.Broker.RetryBackoff,
	}
	consumer := broker.NewConsumer(broker.NewJetStream(bc, "gpsprocessor"), persist.NewCoordinator(conn), bc)
	if c.Broker.NotifySubject != "" {
		n, err := broker.NewCoreNotifier(c.Broker.URL, c.Broker.NotifySubject)
		if err != nil {
			log.Warn().Err(err).Msg("notifications disabled")
		} else {
			defer n.Close()
			consumer.SetNotifier(n)
		}
	}

	// connect before consuming so an unreachable store shows up at startup
	_, err = conn.Get(ctx)
	if err != nil {
		return
	}
	_ = consumer.Run(ctx)
	log.Info().Msg("processor shut down")
}
