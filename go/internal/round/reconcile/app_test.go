package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurolabs/kuro/go/internal/models"
	"github.com/kurolabs/kuro/go/internal/round/lifecycle"
)

const (
	legacyPool = "0x1111111111111111111111111111111111111111"
	multiPool  = "0x2222222222222222222222222222222222222222"
	wallet     = "0x636eC300E982747Cd5b667b353581EB690723B3e"
)

type fakeAuth struct {
	challenges atomic.Int32
	verifies   atomic.Int32
	token      string
	profileErr error
	verifyUser *models.User
	referral   string
}

func (f *fakeAuth) RequestChallenge(_ context.Context, address string) (*models.AuthChallenge, error) {
	f.challenges.Add(1)
	return &models.AuthChallenge{Message: "sign in as " + address}, nil
}

func (f *fakeAuth) VerifySignature(_ context.Context, _, signature, referralCode string) (*models.AuthSession, error) {
	f.verifies.Add(1)
	f.referral = referralCode
	if signature == "" {
		return nil, errors.New("empty signature")
	}
	return &models.AuthSession{Token: f.token, User: f.verifyUser}, nil
}

func (f *fakeAuth) Profile(context.Context) (*models.User, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return &models.User{Address: wallet, ReferralCode: "profile"}, nil
}

type fakeSigner struct{}

func (fakeSigner) Address() string { return wallet }

func (fakeSigner) SignMessage(_ context.Context, message string) (string, error) {
	return "sig:" + message, nil
}

type fakeTx struct {
	hash string
	err  error
}

func (t fakeTx) Hash() string               { return t.hash }
func (t fakeTx) Wait(context.Context) error { return t.err }

type ledgerCall struct {
	method  string
	pool    string
	roundID models.RoundID
	indices []uint64
	value   decimal.Decimal
}

type fakeLedger struct {
	mu      sync.Mutex
	calls   []ledgerCall
	waitErr error
	sendErr error
}

func (l *fakeLedger) record(c ledgerCall) (TxHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return nil, l.sendErr
	}
	l.calls = append(l.calls, c)
	return fakeTx{hash: "0xfeed", err: l.waitErr}, nil
}

func (l *fakeLedger) Deposit(_ context.Context, pool string, value decimal.Decimal) (TxHandle, error) {
	return l.record(ledgerCall{method: "deposit", pool: pool, value: value})
}

func (l *fakeLedger) ClaimPrizes(_ context.Context, pool string, roundID models.RoundID, indices []uint64) (TxHandle, error) {
	return l.record(ledgerCall{method: "claimPrizes", pool: pool, roundID: roundID, indices: indices})
}

func (l *fakeLedger) WithdrawDeposits(_ context.Context, pool string, roundID models.RoundID, indices []uint64) (TxHandle, error) {
	return l.record(ledgerCall{method: "withdrawDeposits", pool: pool, roundID: roundID, indices: indices})
}

type fakeHistory struct {
	mu       sync.Mutex
	queries  []models.HistoryQuery
	confirms []models.ClaimConfirmation
	reject   models.HistoryFilter
	confErr  error
}

func (h *fakeHistory) Rounds(_ context.Context, q models.HistoryQuery) (*models.HistoryPage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queries = append(h.queries, q)
	if q.Filter == h.reject {
		return &models.HistoryPage{Success: false, Message: "nope"}, nil
	}
	return &models.HistoryPage{
		Success: true,
		Page:    q.Page,
		Size:    q.Limit,
		Total:   1,
		Data:    []models.HistoryRound{{RoundID: "9", Winner: wallet}},
	}, nil
}

func (h *fakeHistory) ConfirmClaim(_ context.Context, c models.ClaimConfirmation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.confErr != nil {
		return h.confErr
	}
	h.confirms = append(h.confirms, c)
	return nil
}

func (h *fakeHistory) queryFilters() []models.HistoryFilter {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.HistoryFilter, 0, len(h.queries))
	for _, q := range h.queries {
		out = append(out, q.Filter)
	}
	return out
}

type fakePhases struct {
	state lifecycle.State
}

func (p fakePhases) State(context.Context) (lifecycle.State, error) {
	return p.state, nil
}

type fixture struct {
	app     *App
	auth    *fakeAuth
	ledger  *fakeLedger
	history *fakeHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		auth:    &fakeAuth{token: "jwt"},
		ledger:  &fakeLedger{},
		history: &fakeHistory{reject: "-"},
	}
	cfg := DefaultConfig()
	cfg.LegacyPool = legacyPool
	cfg.MultiTokenPool = multiPool
	cfg.ReferralCode = "friend"
	f.app = NewApp(Deps{Auth: f.auth, Signer: fakeSigner{}, Ledger: f.ledger, History: f.history}, cfg)
	return f
}

func TestEnsureAuthenticated(t *testing.T) {
	f := newFixture(t)

	user, err := f.app.EnsureAuthenticated(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "profile", user.ReferralCode)
	assert.Equal(t, "friend", f.auth.referral)
	assert.True(t, f.app.Authenticated())

	_, err = f.app.EnsureAuthenticated(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.auth.challenges.Load(), "handshake runs once")

	f.app.Logout()
	assert.False(t, f.app.Authenticated())
	assert.Nil(t, f.app.User())
}

func TestEnsureAuthenticated_ProfileFallback(t *testing.T) {
	f := newFixture(t)
	f.auth.profileErr = errors.New("500")
	f.auth.verifyUser = &models.User{Address: wallet, ReferralCode: "verify"}

	user, err := f.app.EnsureAuthenticated(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "verify", user.ReferralCode)
}

func TestEnsureAuthenticated_NoToken(t *testing.T) {
	f := newFixture(t)
	f.auth.token = ""

	_, err := f.app.EnsureAuthenticated(context.Background())
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.False(t, f.app.Authenticated())
}

func TestEnsureAuthenticated_NoSigner(t *testing.T) {
	app := NewApp(Deps{Auth: &fakeAuth{token: "jwt"}}, DefaultConfig())
	_, err := app.EnsureAuthenticated(context.Background())
	assert.ErrorIs(t, err, ErrNoSigner)
}

func TestActions_NoLedger(t *testing.T) {
	f := newFixture(t)
	app := NewApp(Deps{Auth: f.auth, Signer: fakeSigner{}, History: f.history}, DefaultConfig())

	_, err := app.Deposit(context.Background(), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrNoLedger)

	_, err = app.Claim(context.Background(), ClaimRequest{RoundID: "9", DepositIndices: []uint64{0}})
	assert.ErrorIs(t, err, ErrNoLedger)
	assert.Zero(t, f.auth.challenges.Load(), "no signature without a ledger")
}

func TestClaim(t *testing.T) {
	f := newFixture(t)

	res, err := f.app.Claim(context.Background(), ClaimRequest{RoundID: "9", DepositIndices: []uint64{0, 2}})
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", res.TxHash)
	assert.True(t, res.Confirmed)

	require.Len(t, f.ledger.calls, 1)
	call := f.ledger.calls[0]
	assert.Equal(t, "claimPrizes", call.method)
	assert.Equal(t, legacyPool, call.pool)
	assert.Equal(t, []uint64{0, 2}, call.indices)

	assert.Equal(t, []models.ClaimConfirmation{{RoundID: "9", TxHash: "0xfeed"}}, f.history.confirms)
	assert.ElementsMatch(t, []models.HistoryFilter{models.HistoryFilterAll, models.HistoryFilterYouWin}, f.history.queryFilters())
	assert.True(t, f.app.Authenticated(), "claim authenticates first")
}

func TestClaim_MultiTokenContract(t *testing.T) {
	f := newFixture(t)

	_, err := f.app.Claim(context.Background(), ClaimRequest{
		RoundID:        "3",
		DepositIndices: []uint64{1},
		Contract:       "0x2222222222222222222222222222222222222222",
	})
	require.NoError(t, err)
	require.Len(t, f.ledger.calls, 1)
	assert.Equal(t, multiPool, f.ledger.calls[0].pool)
}

func TestClaim_Rejections(t *testing.T) {
	f := newFixture(t)

	_, err := f.app.Claim(context.Background(), ClaimRequest{RoundID: "9"})
	assert.ErrorIs(t, err, ErrNothingToClaim)

	_, err = f.app.Claim(context.Background(), ClaimRequest{RoundID: "9", DepositIndices: []uint64{0}, Contract: "0xdead"})
	assert.ErrorIs(t, err, ErrInvalidContract)
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, ActionClaim, actionErr.Action)

	assert.Empty(t, f.ledger.calls)
	assert.Zero(t, f.auth.challenges.Load(), "invalid requests never prompt for a signature")
}

func TestClaim_TransactionFails(t *testing.T) {
	f := newFixture(t)
	revert := errors.New("execution reverted")
	f.ledger.waitErr = revert

	_, err := f.app.Claim(context.Background(), ClaimRequest{RoundID: "9", DepositIndices: []uint64{0}})
	require.ErrorIs(t, err, revert)

	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "0xfeed", actionErr.TxHash)
	assert.Contains(t, err.Error(), "claim failed for round 9")
	assert.Empty(t, f.history.confirms)
	assert.Empty(t, f.history.queryFilters())
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.Claim(ctx, ClaimRequest{RoundID: "9", DepositIndices: []uint64{0}})
	require.NoError(t, err)
	res, err := f.app.Claim(ctx, ClaimRequest{RoundID: "9", DepositIndices: []uint64{0}})
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
	require.NoError(t, f.app.ConfirmClaim(ctx, "9", "0xfeed"))

	assert.Len(t, f.history.confirms, 1)

	require.NoError(t, f.app.ConfirmClaim(ctx, "10", "0xfeed"))
	assert.Len(t, f.history.confirms, 2)
}

func TestConfirm_FailureCanBeRetried(t *testing.T) {
	f := newFixture(t)
	f.history.confErr = errors.New("backend down")

	res, err := f.app.Claim(context.Background(), ClaimRequest{RoundID: "9", DepositIndices: []uint64{0}})
	require.NoError(t, err, "the mined transaction still succeeds")
	assert.False(t, res.Confirmed)

	f.history.confErr = nil
	require.NoError(t, f.app.ConfirmClaim(context.Background(), "9", "0xfeed"))
	assert.Len(t, f.history.confirms, 1)
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)

	res, err := f.app.Withdraw(context.Background(), WithdrawRequest{RoundID: "4", Contract: multiPool})
	require.NoError(t, err)
	assert.Equal(t, ActionWithdraw, res.Action)
	require.Len(t, f.ledger.calls, 1)
	assert.Equal(t, "withdrawDeposits", f.ledger.calls[0].method)
	assert.Equal(t, []uint64{0}, f.ledger.calls[0].indices)
	assert.Len(t, f.history.confirms, 1)
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.Deposit(ctx, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.app.Deposit(ctx, decimal.RequireFromString("0.009"))
	assert.ErrorIs(t, err, ErrDepositTooSmall)

	_, err = f.app.Deposit(ctx, decimal.RequireFromString("0.0100000000000000001"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	res, err := f.app.Deposit(ctx, decimal.RequireFromString("0.01"))
	require.NoError(t, err)
	assert.Equal(t, ActionDeposit, res.Action)
	require.Len(t, f.ledger.calls, 1)
	assert.Equal(t, legacyPool, f.ledger.calls[0].pool)
	assert.True(t, f.ledger.calls[0].value.Equal(decimal.RequireFromString("0.01")))
	assert.Zero(t, f.auth.challenges.Load(), "deposits do not need a session")
}

func TestDeposit_PhaseGate(t *testing.T) {
	f := newFixture(t)
	state := lifecycle.Initial()
	state.Phase = lifecycle.PhaseSpinning
	state.Round = &models.RoundSnapshot{RoundID: "5"}
	f.app.SetPhaseReader(fakePhases{state: state})

	_, err := f.app.Deposit(context.Background(), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrDepositsClosed)
	assert.Empty(t, f.ledger.calls)

	state.Phase = lifecycle.PhaseDepositInProgress
	f.app.SetPhaseReader(fakePhases{state: state})
	res, err := f.app.Deposit(context.Background(), decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, models.RoundID("5"), res.RoundID)
}

func TestRefreshHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.app.RefreshHistory(ctx, models.HistoryQuery{Page: 2, Limit: 5, Filter: models.HistoryFilterAll}))
	page := f.app.History(models.HistoryFilterAll)
	require.NotNil(t, page)
	assert.Equal(t, 2, page.Page)
	assert.Nil(t, f.app.History(models.HistoryFilterYouWin))

	require.NoError(t, f.app.RefreshLatest(ctx))
	require.NotNil(t, f.app.History(models.HistoryFilterYouWin))
	assert.Equal(t, 1, f.app.History(models.HistoryFilterAll).Page)

	f.history.mu.Lock()
	for _, q := range f.history.queries {
		if q.Filter == models.HistoryFilterYouWin {
			assert.Equal(t, wallet, q.Address)
		}
	}
	f.history.mu.Unlock()
}

func TestRefreshHistory_RejectedPageKeepsCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.app.RefreshLatest(ctx))
	before := f.app.History(models.HistoryFilterYouWin)
	require.NotNil(t, before)

	f.history.reject = models.HistoryFilterYouWin
	err := f.app.RefreshHistory(ctx, models.HistoryQuery{Page: 3, Limit: 10, Filter: models.HistoryFilterYouWin})
	assert.ErrorIs(t, err, ErrHistoryRejected)
	assert.Same(t, before, f.app.History(models.HistoryFilterYouWin))
}
