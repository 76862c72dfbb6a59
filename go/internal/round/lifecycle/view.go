package lifecycle

import (
	"fmt"
	"time"

	"github.com/kurolabs/kuro/go/internal/models"
	"github.com/kurolabs/kuro/go/internal/round/entries"
	"github.com/kurolabs/kuro/go/internal/round/wheel"
)

// View is the read-only projection handed to presentation collaborators.
type View struct {
	Phase   Phase  `json:"phase"`
	Version uint64 `json:"version"`

	RoundID      string            `json:"round_id,omitempty"`
	Status       string            `json:"status,omitempty"`
	StartTime    int64             `json:"start_time,omitempty"`
	DisplayEnd   int64             `json:"display_end_time,omitempty"`
	Remaining    time.Duration     `json:"-"`
	RemainingSec int64             `json:"remaining_sec"`
	Countdown    string            `json:"countdown,omitempty"`
	Progress     float64           `json:"progress"`
	TotalValue   string            `json:"total_value"`
	Participants []ParticipantView `json:"participants"`
	Tokens       map[string]string `json:"tokens,omitempty"`
	Prizes       map[string]string `json:"prizes,omitempty"`
	// Leverage is the pool over the watching wallet's entries.
	Leverage string `json:"leverage,omitempty"`

	Winner *WinnerView `json:"winner,omitempty"`

	Connected bool     `json:"connected"`
	Attempts  int      `json:"attempts"`
	Exhausted bool     `json:"exhausted"`
	Notices   []Notice `json:"notices,omitempty"`
}

// ParticipantView is one row of the pool breakdown.
type ParticipantView struct {
	Address   string             `json:"address"`
	Entries   string             `json:"entries"`
	WinChance entries.Percentage `json:"win_chance"`
	Range     wheel.Range        `json:"range"`
}

// WinnerView describes the announced winner and the planned spin.
type WinnerView struct {
	RoundID         string      `json:"round_id"`
	Address         string      `json:"address"`
	DrawnAt         int64       `json:"drawn_at"`
	YouWon          bool        `json:"you_won"`
	Spin            *wheel.Spin `json:"spin,omitempty"`
	RevealRemaining int64       `json:"reveal_remaining_sec"`
}

// BuildView derives a View from state at now.
func BuildView(s State, now time.Time, cfg Config, notices []Notice) View {
	agg := cfg.Aggregator
	v := View{
		Phase:     s.Phase,
		Version:   s.Version,
		Connected: s.Connected,
		Attempts:  s.Attempts,
		Exhausted: s.Exhausted,
		Notices:   append([]Notice(nil), notices...),
	}

	if r := s.Round; r != nil {
		v.RoundID = r.RoundID.String()
		v.Status = r.Status.String()
		v.StartTime = r.StartTime
		v.TotalValue = agg.TotalEntries(r).String()

		if end := s.DisplayEnd(); !end.IsZero() {
			v.DisplayEnd = end.Unix()
			if s.Phase == PhaseDepositInProgress {
				v.Remaining = end.Sub(now)
				if v.Remaining < 0 {
					v.Remaining = 0
				}
				v.RemainingSec = int64(v.Remaining / time.Second)
				v.Countdown = FormatCountdown(v.Remaining)
			}
			v.Progress = DepositProgress(time.Unix(r.StartTime, 0), end, now)
		}

		pool := agg.Pool(r)
		for _, w := range agg.Weights(r) {
			v.Participants = append(v.Participants, ParticipantView{
				Address:   w.Address,
				Entries:   w.Entries.String(),
				WinChance: agg.WinChance(w.Address, r),
				Range:     wheel.AngularRange(w.Address, pool),
			})
		}

		tokens := agg.TotalsByToken(r)
		if len(tokens) > 0 {
			v.Tokens = make(map[string]string, len(tokens))
			for token, total := range tokens {
				v.Tokens[token] = total.String()
			}
		}
		if cfg.Prizes != nil && len(tokens) > 0 {
			v.Prizes = make(map[string]string, len(tokens))
			for token, total := range tokens {
				raw := total.Shift(agg.Decimals()).StringFixed(0)
				v.Prizes[token] = cfg.Prizes.PrizeFor(agg, token, raw).String()
			}
		}
		if cfg.Address != "" {
			if lev := agg.WinLeverage(r, cfg.Address); !lev.IsZero() {
				v.Leverage = lev.String()
			}
		}
	}

	if w := s.Winner; w != nil {
		wv := &WinnerView{
			RoundID: w.RoundID.String(),
			Address: w.Winner,
			DrawnAt: w.DrawnAt,
			YouWon:  cfg.Address != "" && models.SameAddress(cfg.Address, w.Winner),
			Spin:    s.Spin,
		}
		if s.Phase == PhaseShowingWinner && now.Before(s.RevealEndsAt) {
			wv.RevealRemaining = int64(s.RevealEndsAt.Sub(now) / time.Second)
		}
		v.Winner = wv
	}

	return v
}

// FormatCountdown renders a duration as "mm:ss remaining". Minutes wrap at
// the hour.
func FormatCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d remaining", minutes, seconds)
}

// DepositProgress is the fraction of the deposit window still open, in
// [0, 1].
func DepositProgress(start, end, now time.Time) float64 {
	window := end.Sub(start)
	if window <= 0 {
		return 0
	}
	elapsed := now.Sub(start)
	switch {
	case elapsed <= 0:
		return 1
	case elapsed >= window:
		return 0
	}
	return 1 - float64(elapsed)/float64(window)
}
