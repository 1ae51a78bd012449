package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// natsConn is the subset of *nats.Conn used by NATSPublisher.
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	IsConnected() bool
	Drain() error
}

// NATSPublisher publishes events as core NATS messages.
type NATSPublisher struct {
	conn natsConn
}

var _ Publisher = (*NATSPublisher)(nil)

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL   string
	Token string
	Name  string
}

// NewNATSPublisher connects to cfg.URL. The connection retries in the
// background when the server is not reachable yet.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}
	return &NATSPublisher{conn: nc}, nil
}

// Publish implements Publisher. NATS core subjects carry no key; key is
// ignored.
func (p *NATSPublisher) Publish(_ context.Context, subject, _ string, event any) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("events: nats publish %s: %w", subject, err)
	}
	return nil
}

// Ready implements Publisher.
func (p *NATSPublisher) Ready(context.Context) error {
	if !p.conn.IsConnected() {
		return errors.New("events: nats not connected")
	}
	return nil
}

// Flush waits until the server has processed every published message.
func (p *NATSPublisher) Flush(ctx context.Context) error {
	return p.conn.FlushWithContext(ctx)
}

// Close drains the connection so buffered messages are delivered.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
