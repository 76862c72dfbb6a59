package reconcile

import (
	"errors"
	"fmt"

	"github.com/kurolabs/kuro/go/internal/models"
)

var (
	ErrNothingToClaim  = errors.New("no prizes to claim")
	ErrInvalidContract = errors.New("invalid contract address")
	ErrInvalidAmount   = errors.New("invalid deposit amount")
	ErrDepositTooSmall = errors.New("deposit amount below minimum")
	ErrDepositsClosed  = errors.New("deposits are closed for the current round")
	ErrNoSigner        = errors.New("no signer configured")
	ErrNoLedger        = errors.New("no ledger configured")
	ErrAuthRejected    = errors.New("signature verification returned no token")
)

// Action names a user-initiated ledger action.
type Action string

const (
	ActionDeposit  Action = "deposit"
	ActionClaim    Action = "claim"
	ActionWithdraw Action = "withdraw"
)

// ActionError reports a failed user action. The local round snapshot is never
// rolled back; the next push from the authority is the source of truth.
type ActionError struct {
	Action  Action
	RoundID models.RoundID
	TxHash  string
	Err     error
}

func (e *ActionError) Error() string {
	msg := string(e.Action) + " failed"
	if e.RoundID != "" {
		msg += fmt.Sprintf(" for round %s", e.RoundID)
	}
	if e.TxHash != "" {
		msg += fmt.Sprintf(" (tx %s)", e.TxHash)
	}
	return msg + ": " + e.Err.Error()
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
