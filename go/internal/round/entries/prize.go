package entries

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/kurolabs/kuro/go/internal/models"
)

// DefaultPrizePercentage is applied to the pool when a token has no special
// prize configured.
var DefaultPrizePercentage = decimal.RequireFromString("2.7")

// SpecialPrize overrides the percentage prize for one token.
type SpecialPrize struct {
	FixedPrize decimal.Decimal
	Percentage decimal.Decimal
}

// PrizeTable holds the prize rules keyed by normalized token address.
type PrizeTable struct {
	Percentage decimal.Decimal
	Special    map[string]SpecialPrize
}

// DefaultPrizeTable returns the built-in prize rules.
func DefaultPrizeTable() *PrizeTable {
	return &PrizeTable{
		Percentage: DefaultPrizePercentage,
		Special: map[string]SpecialPrize{
			models.NormalizeAddress("0xaEef2f6B429Cb59C9B2D7bB2141ADa993E8571c3"): {FixedPrize: decimal.NewFromInt(20)},
			models.NormalizeAddress("0xb83D8fe3D51b2ecc09242fCDa318057b17Ed5971"): {FixedPrize: decimal.NewFromInt(100)},
		},
	}
}

type prizeFile struct {
	Percentage string `yaml:"percentage"`
	Special    map[string]struct {
		FixedPrize string `yaml:"fixed_prize"`
		Percentage string `yaml:"percentage"`
	} `yaml:"special_tokens"`
}

// LoadPrizeTable reads prize rules from a YAML file.
func LoadPrizeTable(path string) (*PrizeTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prize table: %w", err)
	}

	var raw prizeFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse prize table: %w", err)
	}

	table := &PrizeTable{Percentage: DefaultPrizePercentage, Special: make(map[string]SpecialPrize)}
	if raw.Percentage != "" {
		if table.Percentage, err = decimal.NewFromString(raw.Percentage); err != nil {
			return nil, fmt.Errorf("invalid percentage %q: %w", raw.Percentage, err)
		}
	}
	for token, sp := range raw.Special {
		var rule SpecialPrize
		if sp.FixedPrize != "" {
			if rule.FixedPrize, err = decimal.NewFromString(sp.FixedPrize); err != nil {
				return nil, fmt.Errorf("invalid fixed prize for %s: %w", token, err)
			}
		}
		if sp.Percentage != "" {
			if rule.Percentage, err = decimal.NewFromString(sp.Percentage); err != nil {
				return nil, fmt.Errorf("invalid percentage for %s: %w", token, err)
			}
		}
		table.Special[models.NormalizeAddress(token)] = rule
	}
	return table, nil
}

// PrizeFor returns the prize, in display units rounded to two decimals, for a
// token given the total deposits in smallest units. Tokens with a fixed prize
// ignore the deposits entirely.
func (t *PrizeTable) PrizeFor(a Aggregator, token, totalDeposits string) decimal.Decimal {
	if token == "" {
		return decimal.Zero
	}
	pct := t.Percentage
	if sp, ok := t.Special[models.NormalizeAddress(token)]; ok {
		if sp.FixedPrize.IsPositive() {
			return sp.FixedPrize
		}
		pct = sp.Percentage
	}
	if totalDeposits == "" {
		return decimal.Zero
	}
	base := a.ToDisplay(ParseAmount(totalDeposits))
	return base.Mul(pct).Div(hundred).Round(2)
}

// WinLeverage returns how many times a player's deposit the pool is worth,
// rounded to two decimals. Zero when either side is zero.
func (a Aggregator) WinLeverage(snap *models.RoundSnapshot, address string) decimal.Decimal {
	total := a.TotalEntries(snap)
	mine := a.EntriesOf(address, snap)
	if total.IsZero() || mine.IsZero() {
		return decimal.Zero
	}
	return total.Div(mine).Round(2)
}
