// Package connection owns the single logical push connection to the round
// server: connect, bounded reconnect, teardown and signal delivery to one
// subscriber.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	// ErrReconnectExhausted is returned by Connect once MaxAttempts
	// consecutive failures have been recorded. Only Reconnect clears it.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNotConnected       = errors.New("not connected")
)

// Dialer opens a transport connection.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one open transport connection. Receive blocks until a message
// arrives or the connection fails; Close unblocks it.
type Conn interface {
	Receive(ctx context.Context) (Message, error)
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Config bounds the reconnect policy.
type Config struct {
	MaxAttempts    int
	ReconnectDelay time.Duration
}

// DefaultConfig returns 5 attempts with a fixed 1s delay.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		ReconnectDelay: time.Second,
	}
}

// Manager keeps at most one session alive. Each session carries a
// generation; signals from any generation but the current one are dropped.
type Manager struct {
	dialer Dialer
	clock  clockwork.Clock
	config Config

	// lifecycleMu serializes Connect, Disconnect and Reconnect.
	lifecycleMu sync.Mutex

	mu        sync.Mutex
	attempts  int
	connected bool
	cancel    context.CancelFunc
	conn      Conn
	sessionID string
	sub       *Subscription

	generation atomic.Uint64
	wg         sync.WaitGroup
}

// NewManager creates a manager. A nil clock uses the real clock.
func NewManager(dialer Dialer, clock clockwork.Clock, config Config) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultConfig().ReconnectDelay
	}
	return &Manager{
		dialer: dialer,
		clock:  clock,
		config: config,
	}
}

// Subscribe returns a new subscription and closes the previous one.
func (m *Manager) Subscribe() *Subscription {
	sub := newSubscription(m)

	m.mu.Lock()
	old := m.sub
	m.sub = sub
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
	return sub
}

func (m *Manager) release(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == s {
		m.sub = nil
	}
}

// Connect tears down any active session and starts a new one bound to ctx.
// Once the retry counter has reached MaxAttempts it opens nothing, emits
// reconnect-exhausted and returns ErrReconnectExhausted.
func (m *Manager) Connect(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.disconnect()
	return m.connect(ctx)
}

// Disconnect cancels the active session and waits for it to stop. It is a
// no-op when nothing is active.
func (m *Manager) Disconnect() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.disconnect()
}

// Reconnect forgives prior failures and connects again.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.disconnect()

	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()

	log.Info().Msg("retry counter reset, reconnecting")
	return m.connect(ctx)
}

// Connected reports whether a transport connection is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Attempts returns the consecutive failure count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Current reports whether a signal generation belongs to the active session.
func (m *Manager) Current(generation uint64) bool {
	return m.generation.Load() == generation
}

// SubscribeToRound asks the server to push updates for a specific round.
func (m *Manager) SubscribeToRound(ctx context.Context, roundID string) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(roundID)
	if err != nil {
		return fmt.Errorf("encode round id: %w", err)
	}
	if err := conn.Send(ctx, Message{Event: EventSubscribeToRound, Data: data}); err != nil {
		return fmt.Errorf("subscribe to round %s: %w", roundID, err)
	}
	return nil
}

func (m *Manager) connect(ctx context.Context) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	sessionID := uuid.New().String()

	m.mu.Lock()
	gen := m.generation.Add(1)
	m.cancel = cancel
	m.sessionID = sessionID
	attempts := m.attempts
	m.mu.Unlock()

	if attempts >= m.config.MaxAttempts {
		log.Warn().
			Int("attempts", attempts).
			Msg("refusing to connect, retry budget exhausted")

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.emit(sessionCtx, gen, Signal{Kind: SignalReconnectExhausted, Attempt: attempts})
		}()
		return ErrReconnectExhausted
	}

	log.Info().Str("session_id", sessionID).Msg("starting push session")

	m.wg.Add(1)
	go m.run(sessionCtx, gen, sessionID)
	return nil
}

func (m *Manager) disconnect() {
	m.mu.Lock()
	cancel, conn := m.cancel, m.conn
	sessionID := m.sessionID
	m.cancel, m.conn, m.connected = nil, nil, false
	if cancel != nil {
		m.generation.Add(1)
	}
	m.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("close on disconnect")
		}
	}
	m.wg.Wait()

	log.Info().Str("session_id", sessionID).Msg("push session stopped")
}

// run dials, pumps messages and redials until ctx ends or the retry budget
// is spent.
func (m *Manager) run(ctx context.Context, gen uint64, sessionID string) {
	defer m.wg.Done()

	for {
		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n := m.recordFailure()
			log.Warn().
				Err(err).
				Str("session_id", sessionID).
				Int("attempt", n).
				Msg("push connection failed")

			if !m.emit(ctx, gen, Signal{Kind: SignalConnectionError, Reason: err.Error(), Attempt: n}) {
				return
			}
			if n >= m.config.MaxAttempts {
				m.emit(ctx, gen, Signal{Kind: SignalReconnectExhausted, Attempt: n})
				log.Error().Str("session_id", sessionID).Int("attempts", n).Msg("giving up on push connection")
				return
			}
			if !m.emit(ctx, gen, Signal{Kind: SignalReconnectAttempt, Attempt: n}) {
				return
			}
			if !m.sleep(ctx) {
				return
			}
			continue
		}

		if !m.attach(gen, conn) {
			conn.Close()
			return
		}
		log.Info().Str("session_id", sessionID).Msg("push connection established")
		if !m.emit(ctx, gen, Signal{Kind: SignalConnected}) {
			return
		}

		err = m.pump(ctx, gen, conn)
		m.detach(gen, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		reason := ""
		if err != nil {
			reason = err.Error()
		}
		log.Warn().Str("session_id", sessionID).Str("reason", reason).Msg("push connection dropped")
		if !m.emit(ctx, gen, Signal{Kind: SignalDisconnected, Reason: reason}) {
			return
		}
		if !m.sleep(ctx) {
			return
		}
	}
}

func (m *Manager) pump(ctx context.Context, gen uint64, conn Conn) error {
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			return err
		}

		sig, err := DecodeMessage(msg)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				log.Debug().Str("event", string(msg.Event)).Msg("ignoring unknown event")
			} else {
				log.Warn().Err(err).Str("event", string(msg.Event)).Msg("failed to decode pushed event")
			}
			continue
		}

		if !m.emit(ctx, gen, sig) {
			return ctx.Err()
		}
	}
}

// emit hands a signal to the current subscriber. It returns false when the
// session should stop: the generation is stale or ctx is done.
func (m *Manager) emit(ctx context.Context, gen uint64, sig Signal) bool {
	if !m.Current(gen) || ctx.Err() != nil {
		return false
	}

	m.mu.Lock()
	sub := m.sub
	sig.SessionID = m.sessionID
	m.mu.Unlock()

	sig.Generation = gen
	sig.ReceivedAt = m.clock.Now()

	if sub == nil {
		log.Debug().Str("signal", sig.Kind.String()).Msg("no subscriber, dropping signal")
		return true
	}

	select {
	case sub.ch <- sig:
		return true
	case <-sub.done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.clock.After(m.config.ReconnectDelay):
		return true
	}
}

func (m *Manager) recordFailure() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	return m.attempts
}

func (m *Manager) attach(gen uint64, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Current(gen) {
		return false
	}
	m.conn = conn
	m.connected = true
	m.attempts = 0
	return true
}

func (m *Manager) detach(gen uint64, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Current(gen) && m.conn == conn {
		m.conn = nil
		m.connected = false
	}
}
