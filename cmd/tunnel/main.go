package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"nuha.dev/gpspipeline/internal/tunnel"
)

func main() {
	eaddr := pflag.String("eaddr", ":5555", "address for external connection")
	taddr := pflag.String("taddr", ":5556", "address for tunnel connection")
	secret := pflag.String("token", "token", "token for tunnel auth connection")
	secretHash := pflag.String("token-hash", "", "bcrypt hash of the tunnel token, used instead of --token")
	certfile := pflag.String("cert", "", "tls certificate file")
	keyfile := pflag.String("key", "", "tls key file")
	debug := pflag.Bool("debug", false, "sets log level to debug")
	pflag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	config := tunnel.Config{
		ExternalAddr: *eaddr,
		TunnelAddr:   *taddr,
		Token:        *secret,
		TokenHash:    *secretHash,
	}
	if *certfile != "" || *keyfile != "" {
		cert, err := tls.LoadX509KeyPair(*certfile, *keyfile)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to load tls key pair")
		}
		config.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := tunnel.NewRelay(config, log.Logger).Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
}
