// Package tunnel implements the relay side of the gateway tunnel: it holds a
// yamux session opened by a gateway that cannot accept connections itself,
// and forwards external device connections into it as streams.
package tunnel

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var ErrBadToken = errors.New("tunnel: bad token")

type Config struct {
	ExternalAddr string
	TunnelAddr   string
	// Token is compared as is. TokenHash, a bcrypt hash, takes precedence.
	Token     string
	TokenHash string
	TLS       *tls.Config
	// AuthTimeout bounds the token exchange.
	AuthTimeout time.Duration
}

type Relay struct {
	config  Config
	logger  zerolog.Logger
	mu      sync.Mutex
	session *yamux.Session
	ext     net.Listener
	tun     net.Listener
}

func NewRelay(config Config, logger zerolog.Logger) *Relay {
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = 5 * time.Second
	}
	return &Relay{config: config, logger: logger.With().Str("module", "tunnel").Logger()}
}

// Listen opens the external and tunnel listeners.
func (r *Relay) Listen() (ext net.Addr, tun net.Addr, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ext == nil {
		r.ext, err = net.Listen("tcp", r.config.ExternalAddr)
		if err != nil {
			return nil, nil, err
		}
	}
	if r.tun == nil {
		if r.config.TLS != nil {
			r.tun, err = tls.Listen("tcp", r.config.TunnelAddr, r.config.TLS)
		} else {
			r.tun, err = net.Listen("tcp", r.config.TunnelAddr)
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return r.ext.Addr(), r.tun.Addr(), nil
}

// Connected reports whether a gateway session is up.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil && !r.session.IsClosed()
}

// Run relays until ctx is done. One gateway session is served at a time.
func (r *Relay) Run(ctx context.Context) error {
	ext, tun, err := r.Listen()
	if err != nil {
		return err
	}
	r.logger.Info().Str("external", ext.String()).Str("tunnel", tun.String()).Msg("relay listening")
	stop := context.AfterFunc(ctx, func() {
		r.ext.Close()
		r.tun.Close()
		r.mu.Lock()
		if r.session != nil {
			r.session.Close()
		}
		r.mu.Unlock()
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.acceptExternal()
	}()

	for {
		yconn, err := r.tun.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Err(err).Msg("tunnel accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		r.logger.Info().Str("remote_address", yconn.RemoteAddr().String()).Msg("tunnel connection")
		err = r.authenticate(yconn)
		if err != nil {
			r.logger.Warn().Err(err).Str("remote_address", yconn.RemoteAddr().String()).Msg("tunnel rejected")
			yconn.Close()
			continue
		}
		session, err := yamux.Server(yconn, nil)
		if err != nil {
			r.logger.Err(err).Msg("unable to create tunnel session")
			yconn.Close()
			continue
		}
		r.mu.Lock()
		r.session = session
		r.mu.Unlock()
		r.logger.Info().Msg("tunnel established")
		select {
		case <-session.CloseChan():
			r.logger.Info().Msg("tunnel session closed, waiting for a new one")
		case <-ctx.Done():
		}
		r.mu.Lock()
		r.session = nil
		r.mu.Unlock()
		session.Close()
		if ctx.Err() != nil {
			break
		}
	}
	wg.Wait()
	return nil
}

func (r *Relay) authenticate(yconn net.Conn) error {
	_ = yconn.SetDeadline(time.Now().Add(r.config.AuthTimeout))
	defer func() { _ = yconn.SetDeadline(time.Time{}) }()
	token := make([]byte, 72)
	n, err := yconn.Read(token)
	if err != nil {
		return err
	}
	if !r.checkToken(token[:n]) {
		_, _ = yconn.Write([]byte{'-'})
		return ErrBadToken
	}
	_, err = yconn.Write([]byte{'+'})
	return err
}

func (r *Relay) checkToken(token []byte) bool {
	if r.config.TokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(r.config.TokenHash), token) == nil
	}
	return subtle.ConstantTimeCompare([]byte(r.config.Token), token) == 1
}

func (r *Relay) acceptExternal() {
	for {
		conn, err := r.ext.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Err(err).Msg("external accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		r.mu.Lock()
		session := r.session
		r.mu.Unlock()
		if session == nil || session.IsClosed() {
			r.logger.Warn().Str("remote_address", conn.RemoteAddr().String()).Msg("no tunnel, dropping connection")
			conn.Close()
			continue
		}
		go r.forward(conn, session)
	}
}

func (r *Relay) forward(conn net.Conn, session *yamux.Session) {
	defer conn.Close()
	tstream, err := session.OpenStream()
	if err != nil {
		r.logger.Err(err).Msg("error trying to open stream")
		return
	}
	r.logger.Debug().Uint32("stream_id", tstream.StreamID()).Str("remote_address", conn.RemoteAddr().String()).Msg("new stream")
	c := make(chan error, 1)
	go func() {
		_, err := fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr())
		if err == nil {
			_, err = io.Copy(tstream, conn)
		}
		tstream.Close()
		c <- err
	}()
	_, err = io.Copy(conn, tstream)
	if err != nil {
		r.logger.Debug().Err(err).Uint32("stream_id", tstream.StreamID()).Msg("error copying from stream")
	}
	conn.Close()
	<-c
}
