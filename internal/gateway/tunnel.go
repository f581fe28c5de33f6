package gateway

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
)

var ErrTunnelRejected = errors.New("gateway: tunnel token rejected")

// runTunnel keeps a session to the tunnel relay open and serves every stream
// it carries like a direct device connection.
func (g *Gateway) runTunnel(ctx context.Context) {
	for {
		t0 := time.Now()
		err := g.runTunnelSession(ctx)
		if ctx.Err() != nil {
			return
		}
		g.log.Error().Err(err).Str("tunnel", g.config.TunnelAddr).Msg("tunnel session ended")
		wait := g.config.TunnelRetry
		if time.Since(t0) > 10*time.Second {
			wait = g.config.TunnelRetry / 5
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (g *Gateway) runTunnelSession(ctx context.Context) error {
	g.log.Info().Msgf("dialling tunnel %s", g.config.TunnelAddr)
	var yconn net.Conn
	var err error
	if g.config.TunnelTLS != nil {
		d := tls.Dialer{Config: g.config.TunnelTLS}
		yconn, err = d.DialContext(ctx, "tcp", g.config.TunnelAddr)
	} else {
		var d net.Dialer
		yconn, err = d.DialContext(ctx, "tcp", g.config.TunnelAddr)
	}
	if err != nil {
		return err
	}
	_ = yconn.SetDeadline(time.Now().Add(g.config.ReadTimeout))
	_, err = yconn.Write([]byte(g.config.TunnelToken))
	if err != nil {
		yconn.Close()
		return err
	}
	status := []byte{0}
	_, err = yconn.Read(status)
	if err != nil {
		yconn.Close()
		return err
	}
	if status[0] != '+' {
		yconn.Close()
		return ErrTunnelRejected
	}
	_ = yconn.SetDeadline(time.Time{})
	g.log.Info().Msg("tunnel accepted")

	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		session.Close()
	})
	defer stop()
	defer session.Close()

	for {
		tconn, err := session.Accept()
		if err != nil {
			return err
		}
		cid := atomic.AddUint64(&g.cid_counter, 1)
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			_ = tconn.SetReadDeadline(time.Now().Add(g.config.ReadTimeout))
			r := bufio.NewReader(tconn)
			raddr, err := r.ReadString('\n')
			if err != nil {
				g.log.Warn().Err(err).Uint64("cid", cid).Msg("unable to read remote address from tunnel stream")
				tconn.Close()
				return
			}
			g.handle(newConn(tconn, r, strings.TrimSpace(raddr), cid))
		}()
	}
}
