// Package reconcile settles user actions against the ledger and keeps the
// round history in step with what the backend has recorded.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kurolabs/kuro/go/internal/models"
	"github.com/kurolabs/kuro/go/internal/round/lifecycle"
)

// ErrHistoryRejected is returned when the backend answers a history request
// with success=false. The previously cached page is kept.
var ErrHistoryRejected = errors.New("history request rejected")

// AuthClient runs the signature handshake. A successful VerifySignature
// authorizes later calls made through the same client.
type AuthClient interface {
	RequestChallenge(ctx context.Context, address string) (*models.AuthChallenge, error)
	VerifySignature(ctx context.Context, address, signature, referralCode string) (*models.AuthSession, error)
	Profile(ctx context.Context) (*models.User, error)
}

// Signer signs challenge messages for the watching wallet.
type Signer interface {
	Address() string
	SignMessage(ctx context.Context, message string) (string, error)
}

// TxHandle is a submitted transaction.
type TxHandle interface {
	Hash() string
	// Wait blocks until the transaction is mined. A reverted transaction is
	// an error.
	Wait(ctx context.Context) error
}

// Ledger submits pool contract calls.
type Ledger interface {
	Deposit(ctx context.Context, pool string, value decimal.Decimal) (TxHandle, error)
	ClaimPrizes(ctx context.Context, pool string, roundID models.RoundID, depositIndices []uint64) (TxHandle, error)
	WithdrawDeposits(ctx context.Context, pool string, roundID models.RoundID, depositIndices []uint64) (TxHandle, error)
}

// HistoryClient reads past rounds and records confirmed claims.
type HistoryClient interface {
	Rounds(ctx context.Context, query models.HistoryQuery) (*models.HistoryPage, error)
	ConfirmClaim(ctx context.Context, confirmation models.ClaimConfirmation) error
}

// PhaseReader exposes the round state machine. Deposits are only accepted
// while the current round is open.
type PhaseReader interface {
	State(ctx context.Context) (lifecycle.State, error)
}

// App holds the reconciler's business logic.
type App struct {
	auth    AuthClient
	signer  Signer
	ledger  Ledger
	history HistoryClient
	phases  PhaseReader
	config  Config

	authFlight singleflight.Group

	mu        sync.RWMutex
	session   *models.AuthSession
	user      *models.User
	pages     map[models.HistoryFilter]*models.HistoryPage
	confirmed map[claimKey]struct{}
}

// Deps are the collaborators App calls out to. Phases may be nil.
type Deps struct {
	Auth    AuthClient
	Signer  Signer
	Ledger  Ledger
	History HistoryClient
	Phases  PhaseReader
}

// NewApp creates a reconciler.
func NewApp(deps Deps, config Config) *App {
	def := DefaultConfig()
	if config.MinDeposit.IsZero() {
		config.MinDeposit = def.MinDeposit
	}
	if config.Decimals <= 0 {
		config.Decimals = def.Decimals
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = def.HistoryLimit
	}
	return &App{
		auth:      deps.Auth,
		signer:    deps.Signer,
		ledger:    deps.Ledger,
		history:   deps.History,
		phases:    deps.Phases,
		config:    config,
		pages:     make(map[models.HistoryFilter]*models.HistoryPage),
		confirmed: make(map[claimKey]struct{}),
	}
}

// SetPhaseReader attaches the state machine once it exists.
func (a *App) SetPhaseReader(phases PhaseReader) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.phases = phases
}

// User returns the authenticated profile, or nil.
func (a *App) User() *models.User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.user
}

// Authenticated reports whether the handshake has completed.
func (a *App) Authenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session != nil
}

// Logout forgets the session; the next gated action signs again.
func (a *App) Logout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = nil
	a.user = nil
}

// EnsureAuthenticated completes the signature handshake unless it already
// has. Concurrent callers share one handshake.
func (a *App) EnsureAuthenticated(ctx context.Context) (*models.User, error) {
	a.mu.RLock()
	session, user := a.session, a.user
	a.mu.RUnlock()
	if session != nil {
		return user, nil
	}

	v, err, _ := a.authFlight.Do("auth", func() (any, error) {
		return a.authenticate(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.User), nil
}

func (a *App) authenticate(ctx context.Context) (*models.User, error) {
	if a.signer == nil {
		return nil, ErrNoSigner
	}
	address := a.signer.Address()

	challenge, err := a.auth.RequestChallenge(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature message: %w", err)
	}

	signature, err := a.signer.SignMessage(ctx, challenge.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign challenge: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := a.auth.VerifySignature(ctx, address, signature, a.config.ReferralCode)
	if err != nil {
		return nil, fmt.Errorf("failed to verify signature: %w", err)
	}
	if session == nil || session.Token == "" {
		return nil, ErrAuthRejected
	}

	// The profile is preferred; verify's user is the fallback.
	user, err := a.auth.Profile(ctx)
	if err != nil || user == nil {
		log.Warn().Err(err).Str("address", address).Msg("profile unavailable, using verified user")
		user = session.User
	}
	if user == nil {
		user = &models.User{Address: address}
	}

	a.mu.Lock()
	a.session = session
	a.user = user
	a.mu.Unlock()

	log.Info().
		Str("address", models.ShortAddress(address)).
		Bool("ranked", user.Ranked()).
		Msg("wallet verified")
	return user, nil
}

// Deposit submits amount, in display units, to the legacy pool and waits for
// it to be mined.
func (a *App) Deposit(ctx context.Context, amount decimal.Decimal) (*Result, error) {
	if !amount.IsPositive() {
		return nil, &ActionError{Action: ActionDeposit, Err: ErrInvalidAmount}
	}
	if amount.LessThan(a.config.MinDeposit) {
		return nil, &ActionError{
			Action: ActionDeposit,
			Err:    fmt.Errorf("%w: %s < %s", ErrDepositTooSmall, amount, a.config.MinDeposit),
		}
	}
	if !amount.Shift(a.config.Decimals).IsInteger() {
		return nil, &ActionError{
			Action: ActionDeposit,
			Err:    fmt.Errorf("%w: more than %d decimals", ErrInvalidAmount, a.config.Decimals),
		}
	}

	if a.ledger == nil {
		return nil, &ActionError{Action: ActionDeposit, Err: ErrNoLedger}
	}

	var roundID models.RoundID
	if phases := a.phaseReader(); phases != nil {
		state, err := phases.State(ctx)
		if err != nil {
			return nil, &ActionError{Action: ActionDeposit, Err: err}
		}
		if state.Round != nil {
			roundID = state.Round.RoundID
		}
		if state.Phase != lifecycle.PhaseWaitForFirstDeposit && state.Phase != lifecycle.PhaseDepositInProgress {
			return nil, &ActionError{Action: ActionDeposit, RoundID: roundID, Err: ErrDepositsClosed}
		}
	}

	tx, err := a.ledger.Deposit(ctx, a.config.LegacyPool, amount)
	if err != nil {
		return nil, &ActionError{Action: ActionDeposit, RoundID: roundID, Err: err}
	}
	log.Info().
		Str("tx_hash", tx.Hash()).
		Str("amount", amount.String()).
		Str("round_id", roundID.String()).
		Msg("deposit submitted")

	if err := tx.Wait(ctx); err != nil {
		return nil, &ActionError{Action: ActionDeposit, RoundID: roundID, TxHash: tx.Hash(), Err: err}
	}
	return &Result{Action: ActionDeposit, RoundID: roundID, TxHash: tx.Hash()}, nil
}

// Claim claims prizes for the given deposit indices.
func (a *App) Claim(ctx context.Context, req ClaimRequest) (*Result, error) {
	if len(req.DepositIndices) == 0 {
		return nil, &ActionError{Action: ActionClaim, RoundID: req.RoundID, Err: ErrNothingToClaim}
	}
	pool, err := a.prepare(ctx, req.Contract)
	if err != nil {
		return nil, &ActionError{Action: ActionClaim, RoundID: req.RoundID, Err: err}
	}

	indices := append([]uint64(nil), req.DepositIndices...)
	tx, err := a.ledger.ClaimPrizes(ctx, pool, req.RoundID, indices)
	if err != nil {
		return nil, &ActionError{Action: ActionClaim, RoundID: req.RoundID, Err: err}
	}
	return a.settle(ctx, ActionClaim, req.RoundID, tx)
}

// Withdraw withdraws the caller's deposit from a round.
func (a *App) Withdraw(ctx context.Context, req WithdrawRequest) (*Result, error) {
	pool, err := a.prepare(ctx, req.Contract)
	if err != nil {
		return nil, &ActionError{Action: ActionWithdraw, RoundID: req.RoundID, Err: err}
	}

	tx, err := a.ledger.WithdrawDeposits(ctx, pool, req.RoundID, []uint64{0})
	if err != nil {
		return nil, &ActionError{Action: ActionWithdraw, RoundID: req.RoundID, Err: err}
	}
	return a.settle(ctx, ActionWithdraw, req.RoundID, tx)
}

// prepare authenticates and resolves the target pool. The contract is checked
// first so an invalid request never prompts for a signature.
func (a *App) prepare(ctx context.Context, contract string) (string, error) {
	pool, err := a.resolvePool(contract)
	if err != nil {
		return "", err
	}
	if a.ledger == nil {
		return "", ErrNoLedger
	}
	if !a.Authenticated() {
		log.Info().Msg("signature required before sending transaction")
	}
	if _, err := a.EnsureAuthenticated(ctx); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return pool, nil
}

func (a *App) resolvePool(contract string) (string, error) {
	if contract == "" {
		return a.config.LegacyPool, nil
	}
	if a.config.MultiTokenPool != "" && models.SameAddress(contract, a.config.MultiTokenPool) {
		return a.config.MultiTokenPool, nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidContract, contract)
}

// settle waits for tx, confirms it with the backend and refreshes history.
// Only a failed transaction fails the action.
func (a *App) settle(ctx context.Context, action Action, roundID models.RoundID, tx TxHandle) (*Result, error) {
	hash := tx.Hash()
	log.Info().
		Str("action", string(action)).
		Str("round_id", roundID.String()).
		Str("tx_hash", hash).
		Msg("transaction submitted")

	if err := tx.Wait(ctx); err != nil {
		return nil, &ActionError{Action: action, RoundID: roundID, TxHash: hash, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ActionError{Action: action, RoundID: roundID, TxHash: hash, Err: err}
	}

	res := &Result{Action: action, RoundID: roundID, TxHash: hash}
	confirmed, err := a.confirm(ctx, roundID, hash)
	if err != nil {
		log.Warn().Err(err).Str("round_id", roundID.String()).Str("tx_hash", hash).Msg("claim confirmation failed")
	}
	res.Confirmed = confirmed

	if err := a.RefreshLatest(ctx); err != nil {
		log.Warn().Err(err).Msg("history refresh after action failed")
	}
	return res, nil
}

// confirm records (roundID, txHash) with the backend at most once.
func (a *App) confirm(ctx context.Context, roundID models.RoundID, txHash string) (bool, error) {
	key := claimKey{roundID: roundID, txHash: txHash}

	a.mu.Lock()
	if _, done := a.confirmed[key]; done {
		a.mu.Unlock()
		return false, nil
	}
	a.confirmed[key] = struct{}{}
	a.mu.Unlock()

	err := a.history.ConfirmClaim(ctx, models.ClaimConfirmation{RoundID: roundID, TxHash: txHash})
	if err != nil {
		a.mu.Lock()
		delete(a.confirmed, key)
		a.mu.Unlock()
		return false, err
	}
	return true, nil
}

// ConfirmClaim records a mined claim that was submitted elsewhere. Repeated
// calls for the same transaction are no-ops.
func (a *App) ConfirmClaim(ctx context.Context, roundID models.RoundID, txHash string) error {
	_, err := a.confirm(ctx, roundID, txHash)
	return err
}

// RefreshHistory fetches one page. An empty filter refreshes both the "all"
// and the "youWin" views. Only successful pages replace cached ones.
func (a *App) RefreshHistory(ctx context.Context, query models.HistoryQuery) error {
	filters := []models.HistoryFilter{query.Filter}
	if query.Filter == "" {
		filters = []models.HistoryFilter{models.HistoryFilterAll, models.HistoryFilterYouWin}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, filter := range filters {
		q := query
		q.Filter = filter
		if filter == models.HistoryFilterYouWin && q.Address == "" && a.signer != nil {
			q.Address = a.signer.Address()
		}
		g.Go(func() error {
			return a.fetchPage(ctx, q)
		})
	}
	return g.Wait()
}

// RefreshLatest reloads the first page of every history view.
func (a *App) RefreshLatest(ctx context.Context) error {
	return a.RefreshHistory(ctx, models.HistoryQuery{Page: 1, Limit: a.config.HistoryLimit})
}

func (a *App) fetchPage(ctx context.Context, q models.HistoryQuery) error {
	page, err := a.history.Rounds(ctx, q)
	if err != nil {
		return fmt.Errorf("fetch %s history page %d: %w", q.Filter, q.Page, err)
	}
	if page == nil || !page.Success {
		msg := ""
		if page != nil {
			msg = page.Message
		}
		return fmt.Errorf("%w: %s page %d: %s", ErrHistoryRejected, q.Filter, q.Page, msg)
	}

	a.mu.Lock()
	a.pages[q.Filter] = page
	a.mu.Unlock()

	log.Debug().
		Str("filter", string(q.Filter)).
		Int("page", page.Page).
		Int("rounds", len(page.Data)).
		Msg("history page refreshed")
	return nil
}

// History returns the cached page for filter, or nil. The page must be
// treated as read-only.
func (a *App) History(filter models.HistoryFilter) *models.HistoryPage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pages[filter]
}

func (a *App) phaseReader() PhaseReader {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.phases
}
