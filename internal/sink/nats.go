package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"notipipe/internal/notification"
)

type NATSConfig struct {
	URL     string
	Subject string
	Token   string
}

// JetStream publishes each event as its own message with Nats-Msg-Id set
// to the correlation ID, so the stream's duplicate window drops replays.
// A failure mid-batch reports the published prefix as accepted.
type JetStream struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
}

func NewJetStream(cfg NATSConfig) (*JetStream, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{nats.Name("notipipe-sink")}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &JetStream{nc: nc, js: js, subject: cfg.Subject}, nil
}

func (s *JetStream) Send(ctx context.Context, b notification.Batch) error {
	if s.nc == nil || s.nc.IsClosed() {
		return ErrClosed
	}
	for i, ev := range b.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			return &PartialError{Accepted: i, Err: Permanent(err)}
		}
		if _, err := s.js.Publish(ctx, s.subject, data, jetstream.WithMsgID(ev.CorrelationID)); err != nil {
			if i == 0 {
				return fmt.Errorf("jetstream publish: %w", err)
			}
			return &PartialError{Accepted: i, Err: err}
		}
	}
	return nil
}

func (s *JetStream) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
