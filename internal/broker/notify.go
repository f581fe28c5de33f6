package broker

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// CoreNotifier publishes notifications on a plain NATS subject. Nobody has to
// be listening.
type CoreNotifier struct {
	nc      *nats.Conn
	subject string
}

func NewCoreNotifier(url string, subject string) (*CoreNotifier, error) {
	nc, err := nats.Connect(url, nats.Name("gpsprocessor-notify"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &CoreNotifier{nc: nc, subject: subject}, nil
}

func (n *CoreNotifier) Notify(ctx context.Context, msg Notification) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject, b)
}

func (n *CoreNotifier) Close() {
	n.nc.Close()
}
