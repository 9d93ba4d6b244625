package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"apqueue/internal"
	"apqueue/internal/events"
)

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// envelope is the wire form of a forwarded event. Snapshots stay local.
type envelope struct {
	Type    events.Type             `json:"type"`
	ItemID  string                  `json:"itemId,omitempty"`
	ItemIDs []string                `json:"itemIds,omitempty"`
	Item    *internal.CandidateItem `json:"item,omitempty"`
	Payload any                     `json:"payload,omitempty"`
	At      time.Time               `json:"at"`
}

// NATSForwarder republishes bus events on "<subject>.<event type>".
type NATSForwarder struct {
	conn    *nats.Conn
	pub     natsPublisher
	subject string
	logger  *slog.Logger
}

type NATSOptions struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect bool
}

func NewNATSForwarder(url, subject string, opts NATSOptions, logger *slog.Logger) (*NATSForwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 2 * time.Second
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 60
	}

	conn, err := nats.Connect(
		url,
		nats.Name("apqueue"),
		nats.Timeout(opts.ConnectTimeout),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.RetryOnFailedConnect(opts.RetryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSForwarder{conn: conn, pub: conn, subject: subject, logger: logger}, nil
}

func (f *NATSForwarder) Handle(evt events.Event) {
	data, err := json.Marshal(envelope{
		Type:    evt.Type,
		ItemID:  evt.ItemID,
		ItemIDs: evt.ItemIDs,
		Item:    evt.Item,
		Payload: evt.Payload,
		At:      evt.At,
	})
	if err != nil {
		f.logger.Warn("encode event for nats failed", "event", string(evt.Type), "error", err)
		return
	}
	subject := f.subject + "." + string(evt.Type)
	if err := f.pub.Publish(subject, data); err != nil {
		f.logger.Warn("nats publish failed", "subject", subject, "error", err)
	}
}

// Close flushes pending messages and closes the connection.
func (f *NATSForwarder) Close() {
	if f.conn == nil {
		return
	}
	if err := f.conn.Drain(); err != nil {
		f.conn.Close()
	}
}
