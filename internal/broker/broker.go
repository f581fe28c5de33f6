// Package broker moves readings through a durable NATS JetStream stream: the
// publisher drains the gateway's buffer into it and the consumer feeds the
// persistence step from it.
package broker

import (
	"context"
	"errors"
	"time"

	"nuha.dev/gpspipeline/internal/reading"
)

type AckMode string

const (
	// AckOnDelivery acknowledges before processing. A crash mid-processing
	// loses the message.
	AckOnDelivery AckMode = "on_delivery"
	// AckAfterCommit acknowledges once the outcome is known and asks for
	// redelivery on unexpected errors.
	AckAfterCommit AckMode = "after_commit"
)

var (
	ErrNoMessages = errors.New("broker: no messages")
	ErrAckMode    = errors.New("broker: unknown ack mode")
)

type Config struct {
	URL     string
	Stream  string
	Subject string
	Durable string
	AckMode AckMode
	// RetryBackoff is the pause between reconnect attempts.
	RetryBackoff time.Duration
	// DuplicateWindow bounds how long the stream remembers message ids.
	DuplicateWindow time.Duration
	NotifySubject   string
	// FetchWait bounds a single pull so shutdown is noticed.
	FetchWait  time.Duration
	FetchBatch int
}

func (c *Config) setDefaults() {
	if c.Stream == "" {
		c.Stream = "GPS"
	}
	if c.Subject == "" {
		c.Subject = "gps.readings"
	}
	if c.Durable == "" {
		c.Durable = "gps-processor"
	}
	if c.AckMode == "" {
		c.AckMode = AckOnDelivery
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 2 * time.Minute
	}
	if c.FetchWait <= 0 {
		c.FetchWait = time.Second
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 1
	}
}

func ParseAckMode(s string) (AckMode, error) {
	switch AckMode(s) {
	case AckOnDelivery, AckAfterCommit:
		return AckMode(s), nil
	case "":
		return AckOnDelivery, nil
	}
	return "", ErrAckMode
}

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Notification announces a persisted reading.
type Notification struct {
	reading.Reading
	LocationId int64 `json:"location_id"`
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
