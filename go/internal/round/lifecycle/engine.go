package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/kurolabs/kuro/go/internal/models"
	"github.com/kurolabs/kuro/go/internal/round/connection"
	"github.com/kurolabs/kuro/go/internal/round/entries"
	"github.com/kurolabs/kuro/go/internal/round/wheel"
)

var (
	ErrEngineStopped = errors.New("engine stopped")
	ErrEngineRunning = errors.New("engine already running")
	// ErrSubscriptionReplaced means another consumer took over the
	// connection's signals.
	ErrSubscriptionReplaced = errors.New("signal subscription replaced")
)

// Connector is the connection surface the engine drives.
type Connector interface {
	Subscribe() *connection.Subscription
	Connect(ctx context.Context) error
	Disconnect()
	Reconnect(ctx context.Context) error
	Current(generation uint64) bool
}

// HistoryRefresher reloads the first page of round history.
type HistoryRefresher interface {
	RefreshLatest(ctx context.Context) error
}

// Config tunes the engine's timers and derived values.
type Config struct {
	VisualBuffer      time.Duration
	SpinDuration      time.Duration
	ShowWinnerFor     time.Duration
	CountdownInterval time.Duration
	FullRotations     int
	MaxAttempts       int
	// Address is the watching wallet; it decides View.Winner.YouWon.
	Address       string
	NoticeBacklog int
	Random        wheel.RandomSource
	Aggregator    entries.Aggregator
	// Prizes, when set, adds the per-token prize to the view.
	Prizes *entries.PrizeTable
}

// DefaultConfig returns the reveal timings the game uses.
func DefaultConfig() Config {
	return Config{
		VisualBuffer:      DefaultVisualBuffer,
		SpinDuration:      5 * time.Second,
		ShowWinnerFor:     15 * time.Second,
		CountdownInterval: time.Second,
		FullRotations:     wheel.DefaultFullRotations,
		MaxAttempts:       5,
		NoticeBacklog:     20,
		Aggregator:        entries.Default,
	}
}

// Engine runs the state machine on one goroutine. All state is touched only
// from Run's loop; other goroutines reach it through commands.
type Engine struct {
	conn    Connector
	history HistoryRefresher
	clock   clockwork.Clock
	config  Config

	cmds        chan func()
	historyDone chan error
	running     chan struct{}
	stopped     chan struct{}
	refreshes   sync.WaitGroup

	// Loop-owned.
	state   State
	timers  timers
	notices []Notice
	runCtx  context.Context
}

// NewEngine creates an engine. history may be nil.
func NewEngine(conn Connector, history HistoryRefresher, clock clockwork.Clock, config Config) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	def := DefaultConfig()
	if config.SpinDuration <= 0 {
		config.SpinDuration = def.SpinDuration
	}
	if config.ShowWinnerFor <= 0 {
		config.ShowWinnerFor = def.ShowWinnerFor
	}
	if config.CountdownInterval <= 0 {
		config.CountdownInterval = def.CountdownInterval
	}
	if config.VisualBuffer < 0 {
		config.VisualBuffer = def.VisualBuffer
	}
	if config.FullRotations <= 0 {
		config.FullRotations = def.FullRotations
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.NoticeBacklog <= 0 {
		config.NoticeBacklog = def.NoticeBacklog
	}
	if config.Random == nil {
		config.Random = wheel.DefaultSource()
	}
	if config.Aggregator.Decimals() == 0 {
		config.Aggregator = entries.Default
	}

	state := Initial()
	state.VisualBuffer = config.VisualBuffer
	state.ShowWinnerFor = config.ShowWinnerFor
	state.MaxAttempts = config.MaxAttempts

	return &Engine{
		conn:        conn,
		history:     history,
		clock:       clock,
		config:      config,
		cmds:        make(chan func()),
		historyDone: make(chan error, 1),
		running:     make(chan struct{}),
		stopped:     make(chan struct{}),
		state:       state,
		timers:      timers{clock: clock},
	}
}

// Run acquires the signal subscription, connects and processes events until
// ctx is done. Teardown happens before Run returns. An engine runs once.
func (e *Engine) Run(ctx context.Context) error {
	select {
	case <-e.running:
		return ErrEngineRunning
	default:
		close(e.running)
	}
	defer close(e.stopped)

	sub := e.conn.Subscribe()
	defer sub.Close()

	e.runCtx = ctx
	if err := e.conn.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("initial connect refused")
	}

	for {
		select {
		case <-ctx.Done():
			e.teardown()
			return nil

		case <-sub.Done():
			e.teardown()
			return ErrSubscriptionReplaced

		case sig := <-sub.Signals():
			e.handleSignal(sig)

		case cmd := <-e.cmds:
			cmd()

		case <-e.timers.countdownC():
			e.apply(CountdownTick{At: e.clock.Now()})

		case <-e.timers.spinC():
			e.timers.spin = nil
			e.apply(SpinCompleted{At: e.clock.Now()})

		case <-e.timers.showC():
			e.timers.show = nil
			e.apply(ShowWinnerElapsed{At: e.clock.Now()})

		case err := <-e.historyDone:
			e.apply(HistoryRefreshed{Err: err})
		}
	}
}

// Disconnect tears the connection down and stops every timer. Reveals in
// progress collapse to WAITING_FOR_NEXT_ROUND.
func (e *Engine) Disconnect(ctx context.Context) error {
	return e.do(ctx, e.teardown)
}

// Connect opens the connection again after Disconnect.
func (e *Engine) Connect(ctx context.Context) error {
	var err error
	if doErr := e.do(ctx, func() { err = e.conn.Connect(e.runCtx) }); doErr != nil {
		return doErr
	}
	return err
}

// Reconnect forgives prior connection failures and connects again.
func (e *Engine) Reconnect(ctx context.Context) error {
	var err error
	if doErr := e.do(ctx, func() {
		e.teardown()
		err = e.conn.Reconnect(e.runCtx)
	}); doErr != nil {
		return doErr
	}
	return err
}

// View returns a snapshot of the derived state.
func (e *Engine) View(ctx context.Context) (View, error) {
	var v View
	err := e.do(ctx, func() { v = e.view() })
	return v, err
}

// State returns a copy of the machine state. The round snapshot is cloned so
// callers may keep it.
func (e *Engine) State(ctx context.Context) (State, error) {
	var s State
	err := e.do(ctx, func() {
		s = e.state
		s.Round = e.state.Round.Clone()
	})
	return s, err
}

// do runs fn on the loop goroutine and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	select {
	case <-e.running:
	default:
		return ErrEngineStopped
	}

	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	select {
	case e.cmds <- wrapped:
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// Commands run to completion once accepted.
	<-done
	return nil
}

func (e *Engine) handleSignal(sig connection.Signal) {
	if !e.conn.Current(sig.Generation) {
		log.Debug().Str("signal", sig.Kind.String()).Msg("dropping signal from stale session")
		return
	}

	now := e.clock.Now()
	switch sig.Kind {
	case connection.SignalRoundUpdate:
		if err := e.config.Aggregator.CheckTotals(sig.Round); err != nil && !sig.Round.IsNoData() {
			log.Warn().Err(err).Str("round_id", sig.Round.RoundID.String()).Msg("round totals inconsistent")
		}
		e.apply(RoundUpdated{Round: sig.Round, At: now})
	case connection.SignalWinnerAnnounced:
		e.apply(e.planWinner(sig.Winner, now))
	case connection.SignalNewRound:
		e.apply(NewRoundAnnounced{RoundID: sig.NewRound.RoundID})
	case connection.SignalConnected:
		e.apply(Connected{})
	case connection.SignalDisconnected:
		e.apply(Disconnected{Reason: sig.Reason})
	case connection.SignalConnectionError:
		e.apply(ConnectionFailed{Reason: sig.Reason, Attempt: sig.Attempt})
	case connection.SignalReconnectAttempt:
		e.apply(ReconnectAttempted{Attempt: sig.Attempt})
	case connection.SignalReconnectExhausted:
		e.apply(ReconnectExhausted{Attempt: sig.Attempt})
	}
}

// planWinner computes the spin before the event is reduced. Duplicates are
// passed through unplanned; the reducer drops them.
func (e *Engine) planWinner(ann *models.WinnerAnnouncement, now time.Time) WinnerAnnounced {
	ev := WinnerAnnounced{Announcement: ann, At: now}
	if ann == nil || e.state.Announced(ann.RoundID) {
		return ev
	}

	snap := ann.Snapshot()
	if len(ann.Participants) == 0 && e.state.Round != nil {
		snap = e.state.Round
	}
	pool := e.config.Aggregator.Pool(snap)

	spin, err := wheel.Plan(pool, ann.Winner, e.config.Random, e.config.FullRotations)
	if err != nil {
		log.Warn().
			Err(err).
			Str("round_id", ann.RoundID.String()).
			Str("winner", ann.Winner).
			Msg("cannot plan spin")
		ev.SpinErr = err
		return ev
	}
	ev.Spin = &spin
	return ev
}

func (e *Engine) apply(ev Event) {
	prev := e.state
	next, effects := Reduce(prev, ev)
	e.state = next

	if next.Phase != prev.Phase {
		l := log.Info().Str("from", string(prev.Phase)).Str("to", string(next.Phase))
		if next.Round != nil {
			l = l.Str("round_id", next.Round.RoundID.String())
		}
		l.Msg("round phase changed")
	}

	for _, eff := range effects {
		e.runEffect(eff)
	}
	e.timers.setCountdown(e.state.CountdownRunning(), e.config.CountdownInterval)
}

func (e *Engine) runEffect(eff Effect) {
	switch eff := eff.(type) {
	case StartSpinTimer:
		e.timers.replaceSpin(e.config.SpinDuration)
	case StartShowWinnerTimer:
		e.timers.replaceShow(e.config.ShowWinnerFor)
	case StopTimers:
		e.timers.stopAll()
	case RefreshHistory:
		e.refreshHistory(eff.RoundID)
	case Notify:
		e.pushNotice(eff.Notice)
	}
}

func (e *Engine) refreshHistory(roundID models.RoundID) {
	if e.history == nil {
		return
	}
	ctx := e.runCtx
	e.refreshes.Add(1)
	go func() {
		defer e.refreshes.Done()
		err := e.history.RefreshLatest(ctx)
		if err != nil {
			log.Warn().Err(err).Str("round_id", roundID.String()).Msg("history refresh failed")
		}
		// Run may have returned without ctx being cancelled.
		select {
		case e.historyDone <- err:
		case <-ctx.Done():
		case <-e.stopped:
		}
	}()
}

func (e *Engine) pushNotice(n Notice) {
	switch n.Level {
	case NoticeError:
		log.Error().Msg(n.Message)
	case NoticeWarning:
		log.Warn().Msg(n.Message)
	default:
		log.Info().Msg(n.Message)
	}

	e.notices = append(e.notices, n)
	if over := len(e.notices) - e.config.NoticeBacklog; over > 0 {
		e.notices = append([]Notice(nil), e.notices[over:]...)
	}
}

// teardown is the single cancellation point: connection closed, every timer
// stopped, state left ready for the next push.
func (e *Engine) teardown() {
	e.conn.Disconnect()
	e.apply(TornDown{})
}

func (e *Engine) view() View {
	return BuildView(e.state, e.clock.Now(), e.config, e.notices)
}
