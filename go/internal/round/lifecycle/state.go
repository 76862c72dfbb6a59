// Package lifecycle holds the round state machine. Reduce is a pure
// transition function; Engine drives it from connection signals, commands
// and local timers on a single goroutine.
package lifecycle

import (
	"time"

	"github.com/kurolabs/kuro/go/internal/models"
	"github.com/kurolabs/kuro/go/internal/round/wheel"
)

// Phase is the lifecycle phase of the tracked round.
type Phase string

const (
	PhaseWaitingForNextRound Phase = "WAITING_FOR_NEXT_ROUND"
	PhaseWaitForFirstDeposit Phase = "WAIT_FOR_FIRST_DEPOSIT"
	PhaseDepositInProgress   Phase = "DEPOSIT_IN_PROGRESS"
	PhaseDrawingWinner       Phase = "DRAWING_WINNER"
	PhaseSpinning            Phase = "SPINNING"
	PhaseShowingWinner       Phase = "SHOWING_WINNER"
	PhaseCanceled            Phase = "CANCELED"
)

// InReveal reports whether a reveal animation is in progress. Round updates
// are ignored while it is.
func (p Phase) InReveal() bool {
	return p == PhaseSpinning || p == PhaseShowingWinner
}

// DefaultVisualBuffer is subtracted from the authority's end time so the
// countdown finishes slightly before the draw actually happens.
const DefaultVisualBuffer = 5 * time.Second

// State is everything the machine knows. Values are treated as immutable:
// Reduce returns a new State and never mutates the one it is given.
type State struct {
	Phase Phase
	Round *models.RoundSnapshot

	Winner *models.WinnerAnnouncement
	Spin   *wheel.Spin
	// RevealEndsAt is when SHOWING_WINNER is due to end.
	RevealEndsAt time.Time

	Connected bool
	Attempts  int
	Exhausted bool
	// Idle is set by teardown and cleared by the next successful connection.
	// No timer runs while idle.
	Idle bool

	// VisualBuffer shifts the displayed end time earlier.
	VisualBuffer time.Duration
	// ShowWinnerFor is how long SHOWING_WINNER lasts.
	ShowWinnerFor time.Duration
	// MaxAttempts is only used to render reconnect notices.
	MaxAttempts int

	// Version increments on every applied change, so a caller can tell a
	// no-op from a transition.
	Version uint64

	announced map[models.RoundID]struct{}
}

// Initial returns the machine's starting state.
func Initial() State {
	return State{
		Phase:         PhaseWaitForFirstDeposit,
		VisualBuffer:  DefaultVisualBuffer,
		ShowWinnerFor: 15 * time.Second,
		MaxAttempts:   5,
	}
}

// Announced reports whether a winner has already been recorded for roundID.
func (s State) Announced(roundID models.RoundID) bool {
	_, ok := s.announced[roundID]
	return ok
}

// AnnouncedCount returns the number of rounds with a recorded winner.
func (s State) AnnouncedCount() int {
	return len(s.announced)
}

// CountdownRunning reports whether the countdown ticker should be active.
func (s State) CountdownRunning() bool {
	return s.Phase == PhaseDepositInProgress && !s.Idle
}

// DisplayEnd is the round's end time minus the visual buffer. The zero time
// means there is no deposit window.
func (s State) DisplayEnd() time.Time {
	if s.Round == nil || !s.Round.HasDepositWindow() {
		return time.Time{}
	}
	return time.Unix(s.Round.EndTime, 0).Add(-s.VisualBuffer)
}

func (s State) withAnnounced(roundID models.RoundID) State {
	next := make(map[models.RoundID]struct{}, len(s.announced)+1)
	for id := range s.announced {
		next[id] = struct{}{}
	}
	next[roundID] = struct{}{}
	s.announced = next
	return s
}

// Event is an input to Reduce.
type Event interface {
	event()
}

// RoundUpdated carries a pushed round snapshot and its arrival time.
type RoundUpdated struct {
	Round *models.RoundSnapshot
	At    time.Time
}

// WinnerAnnounced carries a pushed winner and the spin planned for it.
// SpinErr is set when no spin could be planned.
type WinnerAnnounced struct {
	Announcement *models.WinnerAnnouncement
	Spin         *wheel.Spin
	SpinErr      error
	At           time.Time
}

type NewRoundAnnounced struct {
	RoundID models.RoundID
}

// CountdownTick fires periodically while deposits are open.
type CountdownTick struct {
	At time.Time
}

type SpinCompleted struct {
	At time.Time
}

type ShowWinnerElapsed struct {
	At time.Time
}

type Connected struct{}

type Disconnected struct {
	Reason string
}

type ConnectionFailed struct {
	Reason  string
	Attempt int
}

type ReconnectAttempted struct {
	Attempt int
}

type ReconnectExhausted struct {
	Attempt int
}

// TornDown is applied when the engine disconnects or stops.
type TornDown struct{}

type HistoryRefreshed struct {
	Err error
}

func (RoundUpdated) event()       {}
func (WinnerAnnounced) event()    {}
func (NewRoundAnnounced) event()  {}
func (CountdownTick) event()      {}
func (SpinCompleted) event()      {}
func (ShowWinnerElapsed) event()  {}
func (Connected) event()          {}
func (Disconnected) event()       {}
func (ConnectionFailed) event()   {}
func (ReconnectAttempted) event() {}
func (ReconnectExhausted) event() {}
func (TornDown) event()           {}
func (HistoryRefreshed) event()   {}

// Effect is work the engine performs after a transition.
type Effect interface {
	effect()
}

// StartSpinTimer starts the spin animation timer, replacing any running one.
type StartSpinTimer struct{}

// StartShowWinnerTimer starts the show-winner timer, replacing any running one.
type StartShowWinnerTimer struct{}

// RefreshHistory asks for the first page of round history.
type RefreshHistory struct {
	RoundID models.RoundID
}

// StopTimers cancels every running timer.
type StopTimers struct{}

// Notify surfaces a user-visible notice.
type Notify struct {
	Notice Notice
}

func (StartSpinTimer) effect()       {}
func (StartShowWinnerTimer) effect() {}
func (RefreshHistory) effect()       {}
func (StopTimers) effect()           {}
func (Notify) effect()               {}

// NoticeLevel grades a notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a non-fatal, user-visible report.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
}
