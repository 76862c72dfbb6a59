package lifecycle

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// timers holds at most one of each timer kind. It is owned by the engine
// goroutine and never shared.
type timers struct {
	clock     clockwork.Clock
	countdown clockwork.Ticker
	spin      clockwork.Timer
	show      clockwork.Timer
}

// replaceSpin starts the spin timer, cancelling any previous one.
func (t *timers) replaceSpin(d time.Duration) {
	if t.spin != nil {
		stopAndDrainTimer(t.spin)
		log.Debug().Msg("replaced existing spin timer")
	}
	t.spin = t.clock.NewTimer(d)
}

// replaceShow starts the show-winner timer, cancelling any previous one.
func (t *timers) replaceShow(d time.Duration) {
	if t.show != nil {
		stopAndDrainTimer(t.show)
		log.Debug().Msg("replaced existing show-winner timer")
	}
	t.show = t.clock.NewTimer(d)
}

// setCountdown starts or stops the countdown ticker.
func (t *timers) setCountdown(running bool, interval time.Duration) {
	switch {
	case running && t.countdown == nil:
		t.countdown = t.clock.NewTicker(interval)
	case !running && t.countdown != nil:
		t.countdown.Stop()
		t.countdown = nil
	}
}

func (t *timers) stopAll() {
	if t.spin != nil {
		stopAndDrainTimer(t.spin)
		t.spin = nil
	}
	if t.show != nil {
		stopAndDrainTimer(t.show)
		t.show = nil
	}
	t.setCountdown(false, 0)
}

func (t *timers) countdownC() <-chan time.Time {
	if t.countdown == nil {
		return nil
	}
	return t.countdown.Chan()
}

func (t *timers) spinC() <-chan time.Time {
	if t.spin == nil {
		return nil
	}
	return t.spin.Chan()
}

func (t *timers) showC() <-chan time.Time {
	if t.show == nil {
		return nil
	}
	return t.show.Chan()
}

// stopAndDrainTimer stops a timer and drains its channel so a stale fire
// cannot be observed later.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
