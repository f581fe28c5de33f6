package gateway

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

// Conn counts traffic on a device connection and carries what the logs need
// to identify it.
type Conn struct {
	net.Conn
	r        io.Reader
	cid      uint64
	raddr    string
	tuple    []string
	created  time.Time
	byte_in  uint64
	byte_out uint64
}

// newConn wraps c. r replaces c as the read side when part of the stream was
// already buffered, as with tunnel streams. raddr overrides the remote address.
func newConn(c net.Conn, r io.Reader, raddr string, cid uint64) *Conn {
	if r == nil {
		r = c
	}
	sourceip, sourceport, _ := net.SplitHostPort(c.RemoteAddr().String())
	targetip, targetport, _ := net.SplitHostPort(c.LocalAddr().String())
	if raddr == "" {
		raddr = c.RemoteAddr().String()
	}
	return &Conn{
		Conn:    c,
		r:       r,
		cid:     cid,
		raddr:   raddr,
		tuple:   []string{sourceip, sourceport, targetip, targetport},
		created: time.Now(),
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddUint64(&c.byte_in, uint64(n))
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	atomic.AddUint64(&c.byte_out, uint64(n))
	return n, err
}

func (c *Conn) Stat() (byte_in uint64, byte_out uint64) {
	return atomic.LoadUint64(&c.byte_in), atomic.LoadUint64(&c.byte_out)
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Uint64("cid", c.cid).Str("remote_address", c.raddr).Strs("socket", c.tuple)
}
