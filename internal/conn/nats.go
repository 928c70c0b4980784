package conn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSConfig struct {
	URL     string
	Subject string
	Name    string
	Token   string
}

// NATSDialer subscribes to a subject; each message is one payload. The
// client's own reconnect logic is disabled so the Manager stays the single
// owner of reconnect policy.
type NATSDialer struct {
	cfg NATSConfig
}

func NewNATSDialer(cfg NATSConfig) *NATSDialer {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "notipipe"
	}
	return &NATSDialer{cfg: cfg}
}

func (d *NATSDialer) Dial(ctx context.Context) (Conn, error) {
	opts := []nats.Option{
		nats.Name(d.cfg.Name),
		nats.NoReconnect(),
	}
	if dl, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(dl)))
	}
	if d.cfg.Token != "" {
		opts = append(opts, nats.Token(d.cfg.Token))
	}
	nc, err := nats.Connect(d.cfg.URL, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) {
			return nil, Unrecoverable(fmt.Errorf("nats connect: %w", err))
		}
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	sub, err := nc.SubscribeSync(d.cfg.Subject)
	if err != nil {
		nc.Close()
		if errors.Is(err, nats.ErrBadSubject) {
			return nil, Unrecoverable(fmt.Errorf("nats subscribe %q: %w", d.cfg.Subject, err))
		}
		return nil, fmt.Errorf("nats subscribe %q: %w", d.cfg.Subject, err)
	}
	return &natsConn{nc: nc, sub: sub}, nil
}

type natsConn struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

func (c *natsConn) Read(ctx context.Context) ([]byte, error) {
	msg, err := c.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (c *natsConn) Close() error {
	_ = c.sub.Unsubscribe()
	c.nc.Close()
	return nil
}
