package main

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/gpspipeline/internal/broker"
	"nuha.dev/gpspipeline/internal/config"
	"nuha.dev/gpspipeline/internal/gateway"
	"nuha.dev/gpspipeline/internal/handoff"
)

func main() {
	c, err := config.Load("gpsgateway", os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	err = c.Validate("log", "gateway", "broker")
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	c.SetupLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tunnelTLS *tls.Config
	if c.Gateway.TunnelTLS {
		host, _, _ := net.SplitHostPort(c.Gateway.TunnelAddr)
		tunnelTLS = &tls.Config{ServerName: host}
	}
	buf := handoff.New()
	g := gateway.NewGateway(buf, gateway.Config{
		Addr:          c.Gateway.Addr,
		MaxPayload:    c.Gateway.MaxPayload,
		ReadTimeout:   c.Gateway.ReadTimeout,
		MaxConns:      c.Gateway.MaxConns,
		ProxyProtocol: c.Gateway.ProxyProtocol,
		TunnelAddr:    c.Gateway.TunnelAddr,
		TunnelToken:   c.Gateway.TunnelToken,
		TunnelTLS:     tunnelTLS,
	})
	bc := broker.Config{
		URL:          c.Broker.URL,
		Stream:       c.Broker.Stream,
		Subject:      c.Broker.Subject,
		RetryBackoff: c.Broker.RetryBackoff,
	}
	p := broker.NewPublisher(buf, broker.NewJetStream(bc, "gpsgateway"), bc)

	published := make(chan struct{})
	go func() {
		defer close(published)
		_ = p.Run(ctx)
	}()

	err = g.Serve(ctx)
	if err != nil {
		log.Error().Err(err).Msg("gateway stopped")
		stop()
	}
	buf.Close()
	select {
	case <-published:
	case <-time.After(5 * time.Second):
	}
	if n := buf.Len(); n > 0 {
		log.Warn().Int("pending", n).Msg("readings left unpublished at shutdown")
	}
	log.Info().Msg("gateway shut down")
}
