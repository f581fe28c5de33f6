package store

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"
)

type ConnectorConfig struct {
	RetryDelay time.Duration
	Migrate    bool
}

// Connector opens the store on first use and keeps retrying with a fixed
// delay until it succeeds or the caller gives up. One caller dials at a time;
// the others wait for it while honouring their own ctx.
type Connector struct {
	mu      sync.Mutex
	open    Opener
	config  ConnectorConfig
	st      Store
	dialing chan struct{}
	log     log.Logger
}

func NewConnector(open Opener, config ConnectorConfig) *Connector {
	c := &Connector{open: open, config: config}
	if c.config.RetryDelay <= 0 {
		c.config.RetryDelay = 2 * time.Second
	}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "store").Value()
	return c
}

// Get returns the store, connecting first if needed. It only fails when ctx
// is done before a connection could be made.
func (c *Connector) Get(ctx context.Context) (Store, error) {
	for {
		c.mu.Lock()
		if c.st != nil {
			st := c.st
			c.mu.Unlock()
			return st, nil
		}
		if c.dialing != nil {
			dialing := c.dialing
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-dialing:
			}
			continue
		}
		dialing := make(chan struct{})
		c.dialing = dialing
		c.mu.Unlock()

		st, err := c.dial(ctx)

		c.mu.Lock()
		if err == nil {
			c.st = st
		}
		c.dialing = nil
		close(dialing)
		c.mu.Unlock()
		return st, err
	}
}

// dial retries until connected or ctx is done.
func (c *Connector) dial(ctx context.Context) (Store, error) {
	attempt := 0
	for {
		attempt++
		c.log.Debug().Int("attempt", attempt).Msg("connecting to store")
		st, err := c.connect(ctx)
		if err == nil {
			c.log.Info().Int("attempt", attempt).Msg("connected to store")
			return st, nil
		}
		c.log.Error().Err(err).Int("attempt", attempt).Dur("retry_in", c.config.RetryDelay).Msg("couldn't connect to store, will try again")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.config.RetryDelay):
		}
	}
}

func (c *Connector) connect(ctx context.Context) (Store, error) {
	st, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	if c.config.Migrate {
		err = st.Migrate(ctx)
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	return st, nil
}

// WithSession acquires a session, passes it to fn and releases it on every
// exit path.
func (c *Connector) WithSession(ctx context.Context, fn func(Session) error) error {
	st, err := c.Get(ctx)
	if err != nil {
		return err
	}
	s, err := st.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}

func (c *Connector) Close() {
	c.mu.Lock()
	if c.st != nil {
		c.st.Close()
		c.st = nil
	}
	c.mu.Unlock()
}
