package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/parkdog_dm/internal/monitoring"
)

// SubjectPrefix namespaces every subject this service uses.
const SubjectPrefix = "parkdog.dm."

// EventsSubject carries every realtime envelope.
const EventsSubject = SubjectPrefix + "events"

type NATSConfig struct {
	URL             string
	Name            string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// NATS is the multi-process Bus.
type NATS struct {
	conn   *nats.Conn
	logger zerolog.Logger

	subsMu sync.Mutex
	subs   []*nats.Subscription
}

func NewNATS(config NATSConfig, logger zerolog.Logger) (*NATS, error) {
	if config.MaxReconnects == 0 {
		config.MaxReconnects = -1
	}
	if config.ReconnectWait == 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if config.ReconnectJitter == 0 {
		config.ReconnectJitter = 500 * time.Millisecond
	}
	if config.MaxPingsOut == 0 {
		config.MaxPingsOut = 3
	}
	if config.PingInterval == 0 {
		config.PingInterval = 20 * time.Second
	}

	b := &NATS{logger: logger.With().Str("component", "nats_bus").Logger()}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.ReconnectJitter(config.ReconnectJitter, config.ReconnectJitter),
		nats.MaxPingsOutstanding(config.MaxPingsOut),
		nats.PingInterval(config.PingInterval),
		nats.ConnectHandler(b.connectHandler),
		nats.DisconnectErrHandler(b.disconnectHandler),
		nats.ReconnectHandler(b.reconnectHandler),
		nats.ErrorHandler(b.errorHandler),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn
	monitoring.SetBusConnected(true)
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")

	return b, nil
}

func (b *NATS) connectHandler(conn *nats.Conn) {
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("NATS connected")
	monitoring.SetBusConnected(true)
}

func (b *NATS) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		b.logger.Warn().Err(err).Msg("Disconnected from NATS")
		monitoring.RecordError("nats_disconnect")
	} else {
		b.logger.Info().Msg("Disconnected from NATS")
	}
	monitoring.SetBusConnected(false)
}

func (b *NATS) reconnectHandler(conn *nats.Conn) {
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
	monitoring.SetBusConnected(true)
}

func (b *NATS) errorHandler(_ *nats.Conn, sub *nats.Subscription, err error) {
	ev := b.logger.Error().Err(err)
	if sub != nil {
		ev = ev.Str("subject", sub.Subject)
	}
	ev.Msg("NATS error")
	monitoring.RecordError("nats_error")
}

func (b *NATS) Publish(_ context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	err = b.conn.Publish(EventsSubject, data)
	monitoring.RecordBusPublish(err)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", EventsSubject, err)
	}
	return nil
}

func (b *NATS) Subscribe(handler Handler) error {
	sub, err := b.conn.Subscribe(EventsSubject, func(msg *nats.Msg) {
		defer monitoring.RecoverPanic(b.logger, "nats_bus_handler", nil)

		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn().Err(err).Int("bytes", len(msg.Data)).Msg("Dropping malformed envelope")
			return
		}
		handler(env)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", EventsSubject, err)
	}

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
	b.logger.Info().Str("subject", EventsSubject).Msg("Subscribed to NATS subject")
	return nil
}

func (b *NATS) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Flush waits until the server has processed everything published so far.
func (b *NATS) Flush() error {
	return b.conn.Flush()
}

// Close drains subscriptions so in-flight envelopes are still delivered.
func (b *NATS) Close() error {
	b.subsMu.Lock()
	b.subs = nil
	b.subsMu.Unlock()

	if b.conn == nil {
		return nil
	}
	err := b.conn.Drain()
	monitoring.SetBusConnected(false)
	b.logger.Info().Msg("NATS connection closed")
	return err
}

var _ Bus = (*NATS)(nil)
