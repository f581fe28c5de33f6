package broker

import (
	"context"
	"sync/atomic"

	"github.com/phuslu/log"

	"nuha.dev/gpspipeline/internal/reading"
	"nuha.dev/gpspipeline/internal/util"
)

// Channel is one live connection able to publish to the stream.
type Channel interface {
	Publish(ctx context.Context, body []byte, msgId string) error
	Close()
}

type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// Source is drained by the publisher. Pop blocks until a reading is available.
type Source interface {
	Pop(ctx context.Context) (reading.Reading, error)
}

// Publisher forwards readings from a Source to the stream one at a time. A
// reading is retried until published, so order is kept across reconnects.
type Publisher struct {
	log    log.Logger
	src    Source
	dialer Dialer
	config Config
	state  int32
	ch     Channel
}

func NewPublisher(src Source, dialer Dialer, config Config) *Publisher {
	config.setDefaults()
	p := &Publisher{src: src, dialer: dialer, config: config}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "publisher").Value()
	return p
}

func (p *Publisher) State() State {
	return State(atomic.LoadInt32(&p.state))
}

func (p *Publisher) setState(s State) {
	old := State(atomic.SwapInt32(&p.state, int32(s)))
	if old != s {
		p.log.Debug().Str("from", old.String()).Str("to", s.String()).Msg("publisher state changed")
	}
}

// Run publishes until ctx is done or the source is closed and drained.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.disconnect()
	err := p.connect(ctx)
	if err != nil {
		return nil
	}
	for {
		r, err := p.src.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Info().Err(err).Msg("source finished, publisher stopping")
			return nil
		}
		err = p.publish(ctx, r)
		if err != nil {
			p.log.Warn().Err(err).EmbedObject(r).Msg("publisher stopped with an unpublished reading")
			return nil
		}
	}
}

// publish retries r until it is accepted or ctx is done. The message id stays
// the same across retries so the stream can drop a duplicate.
func (p *Publisher) publish(ctx context.Context, r reading.Reading) error {
	body, err := reading.Encode(r)
	if err != nil {
		p.log.Error().Err(err).EmbedObject(r).Msg("unable to encode reading, dropped")
		return nil
	}
	id := util.GenUUID()
	for attempt := 1; ; attempt++ {
		if p.ch == nil {
			err = p.connect(ctx)
			if err != nil {
				return err
			}
		}
		err = p.ch.Publish(ctx, body, id)
		if err == nil {
			p.log.Debug().EmbedObject(r).Str("msg_id", id).Int("attempt", attempt).Msg("reading published")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Error().Err(err).EmbedObject(r).Str("msg_id", id).Int("attempt", attempt).Dur("retry_in", p.config.RetryBackoff).Msg("publish failed, reconnecting")
		p.disconnect()
		err = sleep(ctx, p.config.RetryBackoff)
		if err != nil {
			return err
		}
	}
}

func (p *Publisher) connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		p.setState(Connecting)
		ch, err := p.dialer.Dial(ctx)
		if err == nil {
			p.ch = ch
			p.setState(Connected)
			p.log.Info().Int("attempt", attempt).Msg("connected to broker")
			return nil
		}
		p.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Error().Err(err).Int("attempt", attempt).Dur("retry_in", p.config.RetryBackoff).Msg("couldn't connect to broker, will try again")
		err = sleep(ctx, p.config.RetryBackoff)
		if err != nil {
			return err
		}
	}
}

func (p *Publisher) disconnect() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	p.setState(Disconnected)
}
