package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus publishes CanonicalEvents on a single NATS subject.
type NATSBus struct {
	nc      *nats.Conn
	subject string
}

// Config configures the NATS connection and subject.
type Config struct {
	URL     string
	Subject string
}

// NewNATSBus connects to NATS and returns a bus bound to cfg.Subject
// (defaulting to "koopmem.events" when unset).
func NewNATSBus(cfg Config) (*NATSBus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("koopmem-eventbus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "koopmem.events"
	}
	return &NATSBus{nc: nc, subject: subject}, nil
}

// Publish sends an event after stamping its id and timestamp if unset.
func (b *NATSBus) Publish(ctx context.Context, evt CanonicalEvent) error {
	if evt.EventID == "" {
		evt.EventID = NewEventID("evt_", time.Now())
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Source == "" {
		evt.Source = "koopmem"
	}
	if !evt.MinimalValidate() {
		return fmt.Errorf("invalid event: missing required fields")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject, data)
}

// Subscribe registers handler for every event on the bus's subject until
// ctx is cancelled.
func (b *NATSBus) Subscribe(ctx context.Context, handler func(CanonicalEvent)) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var evt CanonicalEvent
		if err := json.Unmarshal(msg.Data, &evt); err == nil {
			handler(evt)
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return sub, nil
}

// Close closes the underlying NATS connection; it does not drain it first.
func (b *NATSBus) Close() {
	b.nc.Close()
}
