package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/kurolabs/kuro/go/internal/models"
)

// ClaimRequest asks to claim prizes for a past round. An empty Contract
// targets the legacy pool.
type ClaimRequest struct {
	RoundID        models.RoundID
	DepositIndices []uint64
	Contract       string
}

// WithdrawRequest asks to withdraw deposits from a cancelled round.
type WithdrawRequest struct {
	RoundID  models.RoundID
	Contract string
}

// Result describes a mined action.
type Result struct {
	Action  Action         `json:"action"`
	RoundID models.RoundID `json:"roundId,omitempty"`
	TxHash  string         `json:"txHash"`
	// Confirmed is false when the backend confirmation was already sent for
	// this transaction or failed; the transaction itself succeeded.
	Confirmed bool `json:"confirmed"`
}

// Config holds the pool addresses and limits the reconciler enforces.
type Config struct {
	// LegacyPool receives deposits and serves claims without a contract.
	LegacyPool string
	// MultiTokenPool is the only other contract claims may target.
	MultiTokenPool string
	// MinDeposit is in display units.
	MinDeposit decimal.Decimal
	Decimals   int32
	// HistoryLimit is the page size used by RefreshLatest.
	HistoryLimit int
	// ReferralCode is forwarded on signature verification when set.
	ReferralCode string
}

// DefaultMinDeposit is the smallest deposit the pool accepts, in display units.
var DefaultMinDeposit = decimal.RequireFromString("0.01")

// DefaultConfig returns limits matching the live pool.
func DefaultConfig() Config {
	return Config{
		MinDeposit:   DefaultMinDeposit,
		Decimals:     18,
		HistoryLimit: 10,
	}
}

type claimKey struct {
	roundID models.RoundID
	txHash  string
}
