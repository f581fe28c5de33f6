package broker

import (
	"context"
	"errors"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/gpspipeline/internal/persist"
)

type Delivery interface {
	Data() []byte
	Ack() error
	// NakWithDelay asks for redelivery no sooner than delay.
	NakWithDelay(delay time.Duration) error
}

// Subscription pulls deliveries. Next returns ErrNoMessages when nothing
// arrived within its wait, and any other error when the connection is lost.
type Subscription interface {
	Next(ctx context.Context) ([]Delivery, error)
	Close()
}

type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

type Processor interface {
	Process(ctx context.Context, body []byte) (persist.Outcome, error)
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Consumer struct {
	log      log.Logger
	sub      Subscriber
	proc     Processor
	notifier Notifier
	config   Config
}

func NewConsumer(sub Subscriber, proc Processor, config Config) *Consumer {
	config.setDefaults()
	c := &Consumer{sub: sub, proc: proc, config: config}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "consumer").Str("ack_mode", string(config.AckMode)).Value()
	return c
}

// SetNotifier makes the consumer announce every persisted reading.
func (c *Consumer) SetNotifier(n Notifier) {
	c.notifier = n
}

// Run consumes until ctx is done. Losing the broker only causes a resubscribe.
func (c *Consumer) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		s, err := c.sub.Subscribe(ctx)
		if err == nil {
			c.log.Info().Int("attempt", attempt).Msg("subscribed to stream")
			attempt = 0
			err = c.consume(ctx, s)
			s.Close()
		}
		if ctx.Err() != nil {
			c.log.Info().Msg("consumer stopping")
			return nil
		}
		c.log.Error().Err(err).Dur("retry_in", c.config.RetryBackoff).Msg("lost stream subscription, will try again")
		if sleep(ctx, c.config.RetryBackoff) != nil {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context, s Subscription) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ds, err := s.Next(ctx)
		if errors.Is(err, ErrNoMessages) {
			continue
		}
		if err != nil {
			return err
		}
		for _, d := range ds {
			c.handle(ctx, d)
		}
	}
}

// handle never fails: every problem with one message is logged and the
// consumer moves on.
func (c *Consumer) handle(ctx context.Context, d Delivery) {
	if c.config.AckMode == AckOnDelivery {
		if err := d.Ack(); err != nil {
			c.log.Warn().Err(err).Msg("unable to ack message")
		}
	}
	out, err := c.proc.Process(ctx, d.Data())
	if err != nil {
		c.log.Error().Err(err).Bytes("body", d.Data()).Msg("error processing message")
		if c.config.AckMode == AckAfterCommit {
			if err := d.NakWithDelay(c.config.RetryBackoff); err != nil {
				c.log.Warn().Err(err).Msg("unable to nak message")
			}
		}
		return
	}
	if c.config.AckMode == AckAfterCommit {
		if err := d.Ack(); err != nil {
			c.log.Warn().Err(err).Msg("unable to ack message")
		}
	}
	if out.Status == persist.Persisted && c.notifier != nil {
		err = c.notifier.Notify(ctx, Notification{Reading: out.Reading, LocationId: out.LocationId})
		if err != nil {
			c.log.Warn().Err(err).Int64("location_id", out.LocationId).Msg("unable to send notification")
		}
	}
}
