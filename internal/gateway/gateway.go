// Package gateway accepts device connections, reads one location report from
// each and hands it to the publisher through a buffer.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"golang.org/x/net/netutil"

	"nuha.dev/gpspipeline/internal/reading"
)

const (
	NEW_CONNECTION   string = "new_connection"
	READING_RECEIVED string = "reading_received"
	READING_ERROR    string = "reading_error"
	CONNECTION_CLOSE string = "connection_closed"
)

var ackToken = []byte("ACK")

var ErrBufferClosed = errors.New("gateway: buffer closed")

// Pusher receives decoded readings. Push must not block.
type Pusher interface {
	Push(r reading.Reading) bool
}

type Config struct {
	Addr          string
	MaxPayload    int64
	ReadTimeout   time.Duration
	MaxConns      int
	ProxyProtocol bool
	TunnelAddr    string
	TunnelToken   string
	// TunnelTLS enables TLS to the relay when set.
	TunnelTLS *tls.Config
	// TunnelRetry is the pause before dialing the relay again.
	TunnelRetry time.Duration
}

type Gateway struct {
	mu          sync.Mutex
	log         log.Logger
	config      Config
	buf         Pusher
	cid_counter uint64
	listener    net.Listener
	wg          sync.WaitGroup
}

func NewGateway(buf Pusher, config Config) *Gateway {
	g := &Gateway{buf: buf, config: config}
	if g.config.MaxPayload <= 0 {
		g.config.MaxPayload = 1024
	}
	if g.config.ReadTimeout <= 0 {
		g.config.ReadTimeout = 10 * time.Second
	}
	if g.config.TunnelRetry <= 0 {
		g.config.TunnelRetry = 5 * time.Second
	}
	g.log = log.DefaultLogger
	g.log.Context = log.NewContext(nil).Str("module", "gateway").Value()
	return g
}

// Listen binds the device listener. Serve calls it when it has not been
// called yet.
func (g *Gateway) Listen() (net.Addr, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener != nil {
		return g.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", g.config.Addr)
	if err != nil {
		return nil, err
	}
	addr := ln.Addr()
	if g.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, g.config.MaxConns)
	}
	if g.config.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	g.listener = ln
	g.log.Info().Msgf("listening for devices on %s", addr)
	return addr, nil
}

// Serve accepts device connections until ctx is cancelled. When a tunnel relay
// is configured, streams coming through it are served as well.
func (g *Gateway) Serve(ctx context.Context) error {
	var ln net.Listener
	if g.config.Addr != "" {
		_, err := g.Listen()
		if err != nil {
			return err
		}
		g.mu.Lock()
		ln = g.listener
		g.mu.Unlock()
	}

	if g.config.TunnelAddr != "" {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.runTunnel(ctx)
		}()
	}

	if ln == nil {
		<-ctx.Done()
		g.wg.Wait()
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	err := g.acceptLoop(ctx, ln)
	g.wg.Wait()
	return err
}

func (g *Gateway) acceptLoop(ctx context.Context, ln net.Listener) error {
	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				g.log.Info().Msg("stopped accepting connections")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			g.log.Error().Err(err).Dur("retry_in", delay).Msg("failed to accept new connection")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		cid := atomic.AddUint64(&g.cid_counter, 1)
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			// the deadline also bounds reading a PROXY header
			_ = c.SetReadDeadline(time.Now().Add(g.config.ReadTimeout))
			g.handle(newConn(c, nil, "", cid))
		}()
	}
}

// handle reads one reading, queues it and acknowledges. Any failure closes the
// connection without an acknowledgment.
func (g *Gateway) handle(c *Conn) {
	defer func() {
		c.Close()
		in, out := c.Stat()
		g.log.Debug().Str("event", CONNECTION_CLOSE).EmbedObject(c).Uint64("byte_in", in).Uint64("byte_out", out).Dur("duration", time.Since(c.created)).Msg("")
	}()
	g.log.Debug().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")

	deadline := time.Now().Add(g.config.ReadTimeout)
	_ = c.SetReadDeadline(deadline)
	r, err := reading.ReadFrom(io.LimitReader(c, g.config.MaxPayload))
	if err != nil {
		g.log.Warn().Err(err).Str("event", READING_ERROR).EmbedObject(c).Msg("unable to read reading, closing without ack")
		return
	}
	if !g.buf.Push(r) {
		g.log.Error().Err(ErrBufferClosed).EmbedObject(c).EmbedObject(r).Msg("reading not queued")
		return
	}
	g.log.Info().Str("event", READING_RECEIVED).EmbedObject(c).EmbedObject(r).Msg("")

	_ = c.SetWriteDeadline(time.Now().Add(g.config.ReadTimeout))
	_, err = c.Write(ackToken)
	if err != nil {
		g.log.Warn().Err(err).EmbedObject(c).Msg("error sending ack")
	}
}
