package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurolabs/kuro/go/internal/models"
	"github.com/kurolabs/kuro/go/internal/round/connection"
	"github.com/kurolabs/kuro/go/internal/round/wheel"
)

type pushConn struct {
	in     chan connection.Message
	closed chan struct{}
	once   sync.Once
}

func newPushConn() *pushConn {
	return &pushConn{in: make(chan connection.Message, 8), closed: make(chan struct{})}
}

func (c *pushConn) Receive(ctx context.Context) (connection.Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return connection.Message{}, errors.New("closed")
	case <-ctx.Done():
		return connection.Message{}, ctx.Err()
	}
}

func (c *pushConn) Send(context.Context, connection.Message) error { return nil }

func (c *pushConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type pushDialer struct {
	mu    sync.Mutex
	err   error
	conns []*pushConn
}

func (d *pushDialer) Dial(context.Context) (connection.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newPushConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *pushDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *pushDialer) latest() *pushConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type countingHistory struct {
	calls atomic.Int32
}

func (h *countingHistory) RefreshLatest(context.Context) error {
	h.calls.Add(1)
	return nil
}

type engineHarness struct {
	engine  *Engine
	clock   *clockwork.FakeClock
	dialer  *pushDialer
	history *countingHistory
	cancel  context.CancelFunc
	done    chan error
}

func startEngine(t *testing.T, dialErr error, mcfg connection.Config, cfg Config) *engineHarness {
	t.Helper()

	dialer := &pushDialer{err: dialErr}
	manager := connection.NewManager(dialer, clockwork.NewRealClock(), mcfg)
	clock := clockwork.NewFakeClockAt(t0)
	history := &countingHistory{}
	if cfg.Random == nil {
		cfg.Random = wheel.FixedSource(0)
	}

	h := &engineHarness{
		engine:  NewEngine(manager, history, clock, cfg),
		clock:   clock,
		dialer:  dialer,
		history: history,
		done:    make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.engine.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return h
}

func (h *engineHarness) view(t *testing.T) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := h.engine.View(ctx)
	require.NoError(t, err)
	return v
}

func (h *engineHarness) waitFor(t *testing.T, cond func(View) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		v, err := h.engine.View(ctx)
		return err == nil && cond(v)
	}, 2*time.Second, 5*time.Millisecond, msg)
}

func (h *engineHarness) waitConnected(t *testing.T) *pushConn {
	t.Helper()
	h.waitFor(t, func(v View) bool { return v.Connected }, "engine never connected")
	c := h.dialer.latest()
	require.NotNil(t, c)
	return c
}

func push(t *testing.T, c *pushConn, event connection.EventType, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	c.in <- connection.Message{Event: event, Data: data}
}

func TestEngine_FullRound(t *testing.T) {
	h := startEngine(t, nil, connection.DefaultConfig(), DefaultConfig())
	conn := h.waitConnected(t)

	push(t, conn, connection.EventRoundUpdate, openRound("21",
		participant("0xA", "600000000000000000"),
		participant("0xB", "400000000000000000"),
	))
	h.waitFor(t, func(v View) bool { return v.Phase == PhaseDepositInProgress }, "deposits never opened")

	v := h.view(t)
	assert.Equal(t, "21", v.RoundID)
	assert.Equal(t, "04:55 remaining", v.Countdown)
	require.Len(t, v.Participants, 2)

	push(t, conn, connection.EventWinnerAnnounced, map[string]any{
		"data": map[string]any{"roundId": 21, "winner": "0xB", "drawnAt": t0.Unix()},
	})
	h.waitFor(t, func(v View) bool { return v.Phase == PhaseSpinning }, "spin never started")

	v = h.view(t)
	require.NotNil(t, v.Winner)
	require.NotNil(t, v.Winner.Spin)
	assert.Equal(t, "0xB", v.Winner.Spin.Winner)
	assert.True(t, v.Winner.Spin.Range.Contains(v.Winner.Spin.TargetAngle))

	h.clock.Advance(5 * time.Second)
	h.waitFor(t, func(v View) bool { return v.Phase == PhaseShowingWinner }, "spin never completed")
	require.Eventually(t, func() bool { return h.history.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.clock.Advance(15 * time.Second)
	h.waitFor(t, func(v View) bool { return v.Phase == PhaseWaitingForNextRound }, "reveal never ended")

	// The same winner again is ignored.
	push(t, conn, connection.EventWinnerAnnounced, map[string]any{
		"data": map[string]any{"roundId": "21", "winner": "0xB"},
	})
	push(t, conn, connection.EventNewRound, map[string]any{"data": map[string]any{"roundId": 22}})
	h.waitFor(t, func(v View) bool {
		for _, n := range v.Notices {
			if n.Message == "New round #22 has started!" {
				return true
			}
		}
		return false
	}, "new round notice missing")
	assert.Equal(t, PhaseWaitingForNextRound, h.view(t).Phase)
	assert.EqualValues(t, 1, h.history.calls.Load())
}

func TestEngine_CountdownReachesDrawing(t *testing.T) {
	h := startEngine(t, nil, connection.DefaultConfig(), DefaultConfig())
	conn := h.waitConnected(t)

	push(t, conn, connection.EventRoundUpdate, openRound("3", participant("0xA", "1")))
	h.waitFor(t, func(v View) bool { return v.Phase == PhaseDepositInProgress }, "deposits never opened")

	require.NoError(t, h.clock.BlockUntilContext(context.Background(), 1))
	h.clock.Advance(5 * time.Minute)
	h.waitFor(t, func(v View) bool { return v.Phase == PhaseDrawingWinner }, "countdown never finished")
}

func TestEngine_RefusedSpinShowsWinner(t *testing.T) {
	h := startEngine(t, nil, connection.DefaultConfig(), DefaultConfig())
	conn := h.waitConnected(t)

	push(t, conn, connection.EventWinnerAnnounced, map[string]any{"roundId": 4, "winner": "0xA"})
	h.waitFor(t, func(v View) bool { return v.Phase == PhaseShowingWinner }, "winner not shown")

	v := h.view(t)
	require.NotNil(t, v.Winner)
	assert.Nil(t, v.Winner.Spin)
	require.NotEmpty(t, v.Notices)
	found := false
	for _, n := range v.Notices {
		if n.Level == NoticeError {
			found = true
		}
	}
	assert.True(t, found, "refusal should be surfaced")
}

func TestEngine_DisconnectStopsTimers(t *testing.T) {
	h := startEngine(t, nil, connection.DefaultConfig(), DefaultConfig())
	conn := h.waitConnected(t)

	push(t, conn, connection.EventRoundUpdate, openRound("8", participant("0xA", "1")))
	push(t, conn, connection.EventWinnerAnnounced, map[string]any{"roundId": "8", "winner": "0xA"})
	h.waitFor(t, func(v View) bool { return v.Phase == PhaseSpinning }, "spin never started")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.engine.Disconnect(ctx))

	v := h.view(t)
	assert.Equal(t, PhaseWaitingForNextRound, v.Phase)
	assert.False(t, v.Connected)

	h.clock.Advance(time.Minute)
	assert.Equal(t, PhaseWaitingForNextRound, h.view(t).Phase)
	assert.Zero(t, h.history.calls.Load(), "no reveal side effects after teardown")

	// Signals from the old session are gone; a new connection works.
	require.NoError(t, h.engine.Connect(ctx))
	next := h.waitConnected(t)
	assert.NotSame(t, conn, next)
}

func TestEngine_ExhaustedThenReconnect(t *testing.T) {
	mcfg := connection.Config{MaxAttempts: 2, ReconnectDelay: time.Millisecond}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2

	h := startEngine(t, errors.New("refused"), mcfg, cfg)
	h.waitFor(t, func(v View) bool { return v.Exhausted }, "never exhausted")

	v := h.view(t)
	assert.Equal(t, 2, v.Attempts)
	assert.False(t, v.Connected)
	messages := make([]string, 0, len(v.Notices))
	for _, n := range v.Notices {
		messages = append(messages, n.Message)
	}
	assert.Contains(t, messages, "Connection error: refused. Attempt 1/2")
	assert.Contains(t, messages, "Attempting to reconnect: 1/2")
	assert.Contains(t, messages, "Maximum reconnection attempts reached (2). Please try again later.")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, h.engine.Connect(ctx), connection.ErrReconnectExhausted)

	h.dialer.setErr(nil)
	require.NoError(t, h.engine.Reconnect(ctx))
	h.waitConnected(t)

	v = h.view(t)
	assert.False(t, v.Exhausted)
	assert.Zero(t, v.Attempts)
}

func TestEngine_RunOnce(t *testing.T) {
	h := startEngine(t, nil, connection.DefaultConfig(), DefaultConfig())
	h.waitConnected(t)

	assert.ErrorIs(t, h.engine.Run(context.Background()), ErrEngineRunning)

	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	_, err := h.engine.View(context.Background())
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngine_StateIsACopy(t *testing.T) {
	h := startEngine(t, nil, connection.DefaultConfig(), DefaultConfig())
	conn := h.waitConnected(t)

	push(t, conn, connection.EventRoundUpdate, openRound("1", participant("0xA", "1")))
	h.waitFor(t, func(v View) bool { return v.RoundID == "1" }, "round never arrived")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := h.engine.State(ctx)
	require.NoError(t, err)
	s.Round.Participants[0].Address = "0xmutated"

	assert.Equal(t, "0xA", h.view(t).Participants[0].Address)
	assert.Equal(t, models.RoundID("1"), s.Round.RoundID)
}

type gatedHistory struct {
	gate    chan struct{}
	started atomic.Int32
}

func (h *gatedHistory) RefreshLatest(context.Context) error {
	h.started.Add(1)
	<-h.gate
	return nil
}

func TestEngine_RefreshesFinishAfterSubscriptionReplaced(t *testing.T) {
	dialer := &pushDialer{}
	manager := connection.NewManager(dialer, clockwork.NewRealClock(), connection.DefaultConfig())
	clock := clockwork.NewFakeClockAt(t0)
	history := &gatedHistory{gate: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.Random = wheel.FixedSource(0)
	engine := NewEngine(manager, history, clock, cfg)
	h := &engineHarness{engine: engine, clock: clock, dialer: dialer}

	done := make(chan error, 1)
	go func() { done <- engine.Run(context.Background()) }()
	conn := h.waitConnected(t)

	for i, id := range []int{31, 32} {
		push(t, conn, connection.EventRoundUpdate, openRound(strconv.Itoa(id), participant("0xA", "1")))
		h.waitFor(t, func(v View) bool { return v.Phase == PhaseDepositInProgress }, "deposits never opened")
		push(t, conn, connection.EventWinnerAnnounced, map[string]any{
			"data": map[string]any{"roundId": id, "winner": "0xA", "drawnAt": t0.Unix()},
		})
		h.waitFor(t, func(v View) bool { return v.Phase == PhaseSpinning }, "spin never started")
		clock.Advance(cfg.SpinDuration)
		want := int32(i + 1)
		require.Eventually(t, func() bool { return history.started.Load() == want }, time.Second, 5*time.Millisecond)
		clock.Advance(cfg.ShowWinnerFor)
		h.waitFor(t, func(v View) bool { return v.Phase == PhaseWaitingForNextRound }, "reveal never ended")
	}

	other := manager.Subscribe()
	defer other.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSubscriptionReplaced)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	close(history.gate)
	finished := make(chan struct{})
	go func() {
		engine.refreshes.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("history refresh blocked after the engine stopped")
	}
}
