package broker

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// JetStream dials a fresh NATS connection per session. Reconnects are driven
// by the publisher and consumer loops, so the client's own reconnect is off.
type JetStream struct {
	config Config
	name   string
}

func NewJetStream(config Config, name string) *JetStream {
	config.setDefaults()
	return &JetStream{config: config, name: name}
}

func (j *JetStream) connect(ctx context.Context) (*nats.Conn, nats.JetStreamContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	nc, err := nats.Connect(j.config.URL, nats.Name(j.name), nats.NoReconnect())
	if err != nil {
		return nil, nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	err = j.ensureStream(js)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}

// ensureStream declares the work-queue stream when it does not exist yet.
func (j *JetStream) ensureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(j.config.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       j.config.Stream,
		Subjects:   []string{j.config.Subject},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Duplicates: j.config.DuplicateWindow,
	})
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil
	}
	return err
}

func (j *JetStream) Dial(ctx context.Context) (Channel, error) {
	nc, js, err := j.connect(ctx)
	if err != nil {
		return nil, err
	}
	return &jsChannel{nc: nc, js: js, subject: j.config.Subject}, nil
}

func (j *JetStream) Subscribe(ctx context.Context) (Subscription, error) {
	nc, js, err := j.connect(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := js.PullSubscribe(j.config.Subject, j.config.Durable, nats.BindStream(j.config.Stream), nats.AckExplicit())
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &jsSubscription{nc: nc, sub: sub, config: j.config}, nil
}

type jsChannel struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

func (c *jsChannel) Publish(ctx context.Context, body []byte, msgId string) error {
	_, err := c.js.Publish(c.subject, body, nats.MsgId(msgId), nats.Context(ctx))
	return err
}

func (c *jsChannel) Close() {
	c.nc.Close()
}

type jsSubscription struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	config Config
}

func (s *jsSubscription) Next(ctx context.Context) ([]Delivery, error) {
	if s.nc.IsClosed() {
		return nil, nats.ErrConnectionClosed
	}
	fctx, cancel := context.WithTimeout(ctx, s.config.FetchWait)
	defer cancel()
	msgs, err := s.sub.Fetch(s.config.FetchBatch, nats.Context(fctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNoMessages
		}
		return nil, err
	}
	ds := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		ds = append(ds, jsDelivery{m})
	}
	return ds, nil
}

func (s *jsSubscription) Close() {
	s.nc.Close()
}

type jsDelivery struct {
	m *nats.Msg
}

func (d jsDelivery) Data() []byte {
	return d.m.Data
}

func (d jsDelivery) Ack() error {
	return d.m.Ack()
}

func (d jsDelivery) NakWithDelay(delay time.Duration) error {
	return d.m.NakWithDelay(delay)
}
