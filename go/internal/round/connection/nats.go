package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

var errNATSClosed = errors.New("nats connection closed")

// NATSConfig holds configuration for the NATS transport.
type NATSConfig struct {
	URL            string
	Name           string
	SubjectPrefix  string // e.g. "kuro" gives "kuro.round.update"
	ConnectTimeout time.Duration
	BufferSize     int
}

// DefaultNATSConfig returns default NATS transport configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "kuro-watch",
		SubjectPrefix:  "kuro",
		ConnectTimeout: 5 * time.Second,
		BufferSize:     256,
	}
}

// Subjects maps each pushed event to the NATS subject it arrives on.
func (c NATSConfig) Subjects() map[string]EventType {
	prefix := strings.TrimSuffix(c.SubjectPrefix, ".")
	return map[string]EventType{
		prefix + ".round.update":     EventRoundUpdate,
		prefix + ".winner.announced": EventWinnerAnnounced,
		prefix + ".round.new":        EventNewRound,
	}
}

// SubscribeSubject is where round subscription requests are published.
func (c NATSConfig) SubscribeSubject() string {
	return strings.TrimSuffix(c.SubjectPrefix, ".") + ".round.subscribe"
}

// NATSDialer receives round events from NATS core subjects. The client's
// own reconnect logic is disabled; the Manager's bounded policy is the only
// retry policy.
type NATSDialer struct {
	config NATSConfig
}

func NewNATSDialer(config NATSConfig) *NATSDialer {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultNATSConfig().BufferSize
	}
	return &NATSDialer{config: config}
}

func (d *NATSDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &natsConn{
		config:   d.config,
		subjects: d.config.Subjects(),
		msgs:     make(chan *nats.Msg, d.config.BufferSize),
		closed:   make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name(d.config.Name),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Error().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.markClosed()
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	if d.config.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(d.config.ConnectTimeout))
	}

	nc, err := nats.Connect(d.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	c.nc = nc

	for subject := range c.subjects {
		if _, err := nc.ChanSubscribe(subject, c.msgs); err != nil {
			nc.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}

	log.Info().Str("url", nc.ConnectedUrl()).Str("prefix", d.config.SubjectPrefix).Msg("NATS push connection ready")
	return c, nil
}

type natsConn struct {
	config   NATSConfig
	nc       *nats.Conn
	subjects map[string]EventType
	msgs     chan *nats.Msg

	closed     chan struct{}
	closedOnce sync.Once
}

func (c *natsConn) Receive(ctx context.Context) (Message, error) {
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-c.closed:
			if err := c.nc.LastError(); err != nil {
				return Message{}, fmt.Errorf("%w: %v", errNATSClosed, err)
			}
			return Message{}, errNATSClosed
		case msg := <-c.msgs:
			event, ok := c.subjects[msg.Subject]
			if !ok {
				log.Debug().Str("subject", msg.Subject).Msg("ignoring message on unexpected subject")
				continue
			}
			return Message{Event: event, Data: msg.Data}, nil
		}
	}
}

func (c *natsConn) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Event != EventSubscribeToRound {
		return fmt.Errorf("%w: cannot send %s over NATS", ErrUnknownEvent, msg.Event)
	}
	if err := c.nc.Publish(c.config.SubscribeSubject(), msg.Data); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Event, err)
	}
	return nil
}

func (c *natsConn) Close() error {
	c.nc.Close()
	c.markClosed()
	return nil
}

func (c *natsConn) markClosed() {
	c.closedOnce.Do(func() { close(c.closed) })
}
