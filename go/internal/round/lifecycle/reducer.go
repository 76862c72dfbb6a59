package lifecycle

import (
	"fmt"
	"time"

	"github.com/kurolabs/kuro/go/internal/models"
)

// Reduce applies one event. It is total: events that do not apply in the
// current phase return the state unchanged and no effects.
func Reduce(s State, ev Event) (State, []Effect) {
	switch ev := ev.(type) {
	case RoundUpdated:
		return reduceRoundUpdated(s, ev)
	case WinnerAnnounced:
		return reduceWinnerAnnounced(s, ev)
	case NewRoundAnnounced:
		return s, []Effect{notify(NoticeInfo, "New round #%s has started!", ev.RoundID)}
	case CountdownTick:
		return reduceCountdownTick(s, ev)
	case SpinCompleted:
		if s.Phase != PhaseSpinning {
			return s, nil
		}
		return finishSpin(s, ev.At)
	case ShowWinnerElapsed:
		if s.Phase != PhaseShowingWinner {
			return s, nil
		}
		s.Phase = PhaseWaitingForNextRound
		s.RevealEndsAt = time.Time{}
		s.Version++
		return s, nil
	case Connected:
		s.Connected, s.Attempts, s.Exhausted, s.Idle = true, 0, false, false
		s.Version++
		return s, []Effect{notify(NoticeInfo, "Connected to round server")}
	case Disconnected:
		s.Connected = false
		s.Version++
		return s, []Effect{notify(NoticeWarning, "Disconnected from round server: %s", reasonOrUnknown(ev.Reason))}
	case ConnectionFailed:
		s.Connected = false
		s.Attempts = ev.Attempt
		s.Version++
		return s, []Effect{notify(NoticeError, "Connection error: %s. Attempt %d/%d", reasonOrUnknown(ev.Reason), ev.Attempt, s.MaxAttempts)}
	case ReconnectAttempted:
		return s, []Effect{notify(NoticeInfo, "Attempting to reconnect: %d/%d", ev.Attempt, s.MaxAttempts)}
	case ReconnectExhausted:
		s.Connected = false
		s.Exhausted = true
		if ev.Attempt > s.Attempts {
			s.Attempts = ev.Attempt
		}
		s.Version++
		return s, []Effect{notify(NoticeError, "Maximum reconnection attempts reached (%d). Please try again later.", s.MaxAttempts)}
	case TornDown:
		return reduceTornDown(s)
	case HistoryRefreshed:
		if ev.Err != nil {
			return s, []Effect{notify(NoticeWarning, "Failed to refresh history: %v", ev.Err)}
		}
		return s, nil
	default:
		return s, nil
	}
}

func reduceRoundUpdated(s State, ev RoundUpdated) (State, []Effect) {
	r := ev.Round
	if r == nil || r.IsNoData() {
		return s, nil
	}
	// An in-progress reveal is never pre-empted by a push.
	if s.Phase.InReveal() {
		return s, nil
	}

	next := s.Phase
	switch {
	case r.Status == models.RoundStatusCancelled:
		next = PhaseCanceled
	case r.AwaitingFirstDeposit():
		next = PhaseWaitForFirstDeposit
	case s.Announced(r.RoundID):
		// Deposit window for a round whose winner is already out.
		next = PhaseWaitingForNextRound
	case r.HasDepositWindow():
		end := s.withRound(r).DisplayEnd()
		if !ev.At.Before(end) {
			next = PhaseDrawingWinner
		} else {
			next = PhaseDepositInProgress
		}
	}

	if next == s.Phase && s.Round.Equal(r) {
		return s, nil
	}

	if s.Winner != nil && s.Winner.RoundID != r.RoundID {
		s.Winner = nil
		s.Spin = nil
	}
	s.Round = r.Clone()
	s.Phase = next
	s.Version++
	return s, nil
}

func reduceWinnerAnnounced(s State, ev WinnerAnnounced) (State, []Effect) {
	ann := ev.Announcement
	if ann == nil || s.Announced(ann.RoundID) {
		return s, nil
	}

	s = s.withAnnounced(ann.RoundID)
	s.Winner = ann
	s.Spin = ev.Spin
	if s.Round != nil && s.Round.RoundID == ann.RoundID {
		s.Round = s.Round.Clone()
		s.Round.Winner = ann.Winner
	}
	s.Phase = PhaseSpinning
	s.Version++

	if ev.SpinErr != nil || ev.Spin == nil {
		// Without a plan the reveal skips the animation.
		reason := "no spin planned"
		if ev.SpinErr != nil {
			reason = ev.SpinErr.Error()
		}
		s.Spin = nil
		next, effects := finishSpin(s, ev.At)
		return next, append([]Effect{notify(NoticeError, "Cannot spin for winner %s: %s", ann.Winner, reason)}, effects...)
	}
	return s, []Effect{StartSpinTimer{}}
}

func reduceCountdownTick(s State, ev CountdownTick) (State, []Effect) {
	if s.Phase != PhaseDepositInProgress {
		return s, nil
	}
	end := s.DisplayEnd()
	if end.IsZero() || ev.At.Before(end) {
		return s, nil
	}
	s.Phase = PhaseDrawingWinner
	s.Version++
	return s, nil
}

func finishSpin(s State, at time.Time) (State, []Effect) {
	s.Phase = PhaseShowingWinner
	s.RevealEndsAt = at.Add(s.ShowWinnerFor)
	s.Version++

	var roundID models.RoundID
	if s.Winner != nil {
		roundID = s.Winner.RoundID
	}
	return s, []Effect{StartShowWinnerTimer{}, RefreshHistory{RoundID: roundID}}
}

func reduceTornDown(s State) (State, []Effect) {
	s.Connected = false
	s.Idle = true
	if s.Phase.InReveal() {
		s.Phase = PhaseWaitingForNextRound
		s.RevealEndsAt = time.Time{}
	}
	s.Version++
	return s, []Effect{StopTimers{}}
}

func (s State) withRound(r *models.RoundSnapshot) State {
	s.Round = r
	return s
}

func notify(level NoticeLevel, format string, args ...any) Notify {
	return Notify{Notice: Notice{Level: level, Message: fmt.Sprintf(format, args...)}}
}

func reasonOrUnknown(reason string) string {
	if reason == "" {
		return "unknown reason"
	}
	return reason
}
