// Package entries turns raw per-participant deposits into entry counts,
// totals and win chances. Every function here is a pure function of the
// snapshot it receives.
package entries

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kurolabs/kuro/go/internal/models"
	"github.com/kurolabs/kuro/go/internal/round/wheel"
)

// DefaultDecimals is the scale of the pool's native accounting unit.
const DefaultDecimals int32 = 18

// FallbackPoolLabel names the single synthetic slice used when the authority
// reports a total value but no participant breakdown yet.
const FallbackPoolLabel = "Current Pool"

// ErrTotalMismatch signals that totalValue differs from the summed deposits.
var ErrTotalMismatch = errors.New("total value does not match summed deposits")

var hundred = decimal.NewFromInt(100)

// Aggregator converts smallest-unit integers into display units.
type Aggregator struct {
	decimals int32
}

// New returns an aggregator for a unit with the given number of decimals.
func New(decimals int32) Aggregator {
	if decimals < 0 {
		decimals = DefaultDecimals
	}
	return Aggregator{decimals: decimals}
}

// Default uses DefaultDecimals.
var Default = New(DefaultDecimals)

// Decimals returns the unit scale.
func (a Aggregator) Decimals() int32 {
	return a.decimals
}

// ToDisplay converts an integer amount to display units.
func (a Aggregator) ToDisplay(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -a.decimals)
}

// FormatUnits renders an integer string in display units without trailing
// zeros, e.g. "10000000000000000" -> "0.01". Malformed input renders "0".
func (a Aggregator) FormatUnits(amount string) string {
	return a.ToDisplay(ParseAmount(amount)).String()
}

// EntriesOf returns the participant's entries in display units, summed over
// every row with the same address in any letter case. It is zero when the
// participant is absent or has no deposits.
func (a Aggregator) EntriesOf(address string, snap *models.RoundSnapshot) decimal.Decimal {
	p, ok := snap.FindParticipant(address)
	if !ok {
		return decimal.Zero
	}
	return a.ParticipantEntries(p)
}

// ParticipantEntries sums a participant's deposits in display units.
func (a Aggregator) ParticipantEntries(p models.Participant) decimal.Decimal {
	sum := new(big.Int)
	for _, d := range p.Deposits {
		sum.Add(sum, ParseAmount(d.Amount))
	}
	return a.ToDisplay(sum)
}

// TotalEntries returns totalValue in display units. totalValue is
// authoritative; summed deposits are used only when it cannot be parsed.
func (a Aggregator) TotalEntries(snap *models.RoundSnapshot) decimal.Decimal {
	if snap == nil {
		return decimal.Zero
	}
	if total, ok := parseAmount(snap.TotalValue); ok {
		return a.ToDisplay(total)
	}
	return a.ToDisplay(sumDeposits(snap.Participants))
}

// WinChance returns entries / total * 100, or zero when the total is zero.
func (a Aggregator) WinChance(address string, snap *models.RoundSnapshot) Percentage {
	total := a.TotalEntries(snap)
	if total.IsZero() {
		return Percentage{}
	}
	return Percentage{Value: a.EntriesOf(address, snap).Div(total).Mul(hundred)}
}

// TotalsByToken groups every deposit in the round by token address.
func (a Aggregator) TotalsByToken(snap *models.RoundSnapshot) map[string]decimal.Decimal {
	sums := make(map[string]*big.Int)
	if snap != nil {
		for _, p := range snap.Participants {
			for _, d := range p.Deposits {
				token := models.NormalizeAddress(d.TokenAddress)
				if sums[token] == nil {
					sums[token] = new(big.Int)
				}
				sums[token].Add(sums[token], ParseAmount(d.Amount))
			}
		}
	}
	out := make(map[string]decimal.Decimal, len(sums))
	for token, sum := range sums {
		out[token] = a.ToDisplay(sum)
	}
	return out
}

// Weight is one address's weight in a wheel pool.
type Weight struct {
	Address string
	Entries decimal.Decimal
}

// Weights returns one weight per address with positive entries, in arrival
// order. Rows that differ only in address case share a single weight.
// When there are no participants but the round reports a positive total, a
// single FallbackPoolLabel weight stands in for the whole pool.
func (a Aggregator) Weights(snap *models.RoundSnapshot) []Weight {
	if snap == nil {
		return nil
	}
	var out []Weight
	for _, p := range snap.MergedParticipants() {
		e := a.ParticipantEntries(p)
		if e.IsPositive() {
			out = append(out, Weight{Address: p.Address, Entries: e})
		}
	}
	if len(snap.Participants) == 0 {
		if total := a.TotalEntries(snap); total.IsPositive() {
			out = append(out, Weight{Address: FallbackPoolLabel, Entries: total})
		}
	}
	return out
}

// Pool builds the wheel pool for a snapshot.
func (a Aggregator) Pool(snap *models.RoundSnapshot) *wheel.Pool {
	pool := wheel.NewPool()
	for _, w := range a.Weights(snap) {
		pool.Add(w.Address, w.Entries.InexactFloat64())
	}
	return pool
}

// CheckTotals reports a mismatch between totalValue and the summed deposits.
// The authority stays the source of truth, so callers only log this.
func (a Aggregator) CheckTotals(snap *models.RoundSnapshot) error {
	if snap == nil {
		return nil
	}
	total, ok := parseAmount(snap.TotalValue)
	if !ok {
		return fmt.Errorf("%w: unparsable total %q", ErrTotalMismatch, snap.TotalValue)
	}
	sum := sumDeposits(snap.Participants)
	if total.Cmp(sum) != 0 {
		return fmt.Errorf("%w: total=%s deposits=%s", ErrTotalMismatch, total, sum)
	}
	return nil
}

// Package-level helpers use the default 18-decimal unit.

func EntriesOf(address string, snap *models.RoundSnapshot) decimal.Decimal {
	return Default.EntriesOf(address, snap)
}

func TotalEntries(snap *models.RoundSnapshot) decimal.Decimal {
	return Default.TotalEntries(snap)
}

func WinChance(address string, snap *models.RoundSnapshot) Percentage {
	return Default.WinChance(address, snap)
}

func TotalsByToken(snap *models.RoundSnapshot) map[string]decimal.Decimal {
	return Default.TotalsByToken(snap)
}

// ParseAmount parses a smallest-unit integer. Malformed or negative values
// are treated as zero and logged.
func ParseAmount(s string) *big.Int {
	v, ok := parseAmount(s)
	if !ok {
		log.Warn().Str("amount", s).Msg("malformed deposit amount, counting as zero")
		return new(big.Int)
	}
	return v
}

func parseAmount(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), true
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

func sumDeposits(participants []models.Participant) *big.Int {
	sum := new(big.Int)
	for _, p := range participants {
		for _, d := range p.Deposits {
			sum.Add(sum, ParseAmount(d.Amount))
		}
	}
	return sum
}

// Percentage is a win chance in percent.
type Percentage struct {
	Value decimal.Decimal
}

// String renders two decimals, or "0%" for a zero chance.
func (p Percentage) String() string {
	if p.Value.IsZero() {
		return "0%"
	}
	return p.Value.StringFixed(2) + "%"
}

// MarshalText lets percentages render as strings in JSON views.
func (p Percentage) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
