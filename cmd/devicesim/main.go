package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/gpspipeline/internal/config"
	"nuha.dev/gpspipeline/internal/devicesim"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	c, err := config.Load("devicesim", os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	err = c.Validate("log", "sim")
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := devicesim.NewSimulator(devicesim.Config{
		APIURL:      c.Sim.APIURL,
		GatewayAddr: c.Sim.GatewayAddr,
		Interval:    c.Sim.Interval,
		Create:      c.Sim.Create,
		Step:        c.Sim.Step,
		Seed:        c.Sim.Seed,
	}, log.Logger)
	_ = sim.Run(ctx)
	log.Info().Msg("terminating device simulator")
}
