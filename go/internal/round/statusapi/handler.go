// Package statusapi serves the engine's view and the reconciler's actions
// over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kurolabs/kuro/go/internal/models"
	"github.com/kurolabs/kuro/go/internal/round/connection"
	"github.com/kurolabs/kuro/go/internal/round/lifecycle"
	"github.com/kurolabs/kuro/go/internal/round/reconcile"
)

// RoundProvider is the engine surface the API reads and controls.
type RoundProvider interface {
	View(ctx context.Context) (lifecycle.View, error)
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// Reconciler is the history and user action surface.
type Reconciler interface {
	User() *models.User
	History(filter models.HistoryFilter) *models.HistoryPage
	RefreshHistory(ctx context.Context, query models.HistoryQuery) error
	Deposit(ctx context.Context, amount decimal.Decimal) (*reconcile.Result, error)
	Claim(ctx context.Context, req reconcile.ClaimRequest) (*reconcile.Result, error)
	Withdraw(ctx context.Context, req reconcile.WithdrawRequest) (*reconcile.Result, error)
}

// RoundSubscriber asks the push server for a specific round's updates.
type RoundSubscriber interface {
	SubscribeToRound(ctx context.Context, roundID string) error
}

// Handler serves round state. reconciler may be nil, in which case the
// history and action routes answer 503.
type Handler struct {
	rounds     RoundProvider
	reconciler Reconciler
	subscriber RoundSubscriber
}

func NewHandler(rounds RoundProvider, reconciler Reconciler) *Handler {
	return &Handler{
		rounds:     rounds,
		reconciler: reconciler,
	}
}

// SetSubscriber enables POST /api/round/{id}/subscribe.
func (h *Handler) SetSubscriber(s RoundSubscriber) {
	h.subscriber = s
}

type errorResponse struct {
	Error string `json:"error"`
}

type claimBody struct {
	RoundID        models.RoundID `json:"roundId"`
	DepositIndices []uint64       `json:"depositIndices"`
	Contract       string         `json:"contract"`
}

type depositBody struct {
	Amount decimal.Decimal `json:"amount"`
}

// HandleGetState handles GET /api/round/state
func (h *Handler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	view, err := h.rounds.View(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to get round view")
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleConnection handles POST /api/round/{action} for connect, disconnect
// and reconnect.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	var err error
	action := r.PathValue("action")
	switch action {
	case "connect":
		err = h.rounds.Connect(r.Context())
	case "disconnect":
		err = h.rounds.Disconnect(r.Context())
	case "reconnect":
		err = h.rounds.Reconnect(r.Context())
	default:
		http.NotFound(w, r)
		return
	}

	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("connection action failed")
		writeError(w, connectionStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSubscribe handles POST /api/round/{id}/subscribe
func (h *Handler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.subscriber == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("round subscription not supported"))
		return
	}
	roundID := r.PathValue("id")
	if err := h.subscriber.SubscribeToRound(r.Context(), roundID); err != nil {
		log.Warn().Err(err).Str("round_id", roundID).Msg("round subscription failed")
		writeError(w, connectionStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleGetHistory handles GET /api/round/history?type=all|youWin. With
// refresh=true the first page is fetched before answering.
func (h *Handler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	if !h.requireReconciler(w) {
		return
	}

	filter := models.HistoryFilter(r.URL.Query().Get("type"))
	if filter == "" {
		filter = models.HistoryFilterAll
	}
	if filter != models.HistoryFilterAll && filter != models.HistoryFilterYouWin {
		writeError(w, http.StatusBadRequest, errors.New("unknown history type"))
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		if err := h.reconciler.RefreshHistory(r.Context(), models.HistoryQuery{Page: 1, Filter: filter}); err != nil {
			log.Warn().Err(err).Str("filter", string(filter)).Msg("history refresh failed")
			writeError(w, http.StatusBadGateway, err)
			return
		}
	}

	page := h.reconciler.History(filter)
	if page == nil {
		writeError(w, http.StatusNotFound, errors.New("no history loaded"))
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HandleGetUser handles GET /api/user
func (h *Handler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	if !h.requireReconciler(w) {
		return
	}
	user := h.reconciler.User()
	if user == nil {
		writeError(w, http.StatusUnauthorized, errors.New("not authenticated"))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleDeposit handles POST /api/round/deposit
func (h *Handler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	if !h.requireReconciler(w) {
		return
	}
	var body depositBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.reconciler.Deposit(r.Context(), body.Amount)
	h.writeResult(w, res, err)
}

// HandleClaim handles POST /api/round/claim
func (h *Handler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	if !h.requireReconciler(w) {
		return
	}
	var body claimBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.reconciler.Claim(r.Context(), reconcile.ClaimRequest{
		RoundID:        body.RoundID,
		DepositIndices: body.DepositIndices,
		Contract:       body.Contract,
	})
	h.writeResult(w, res, err)
}

// HandleWithdraw handles POST /api/round/withdraw
func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	if !h.requireReconciler(w) {
		return
	}
	var body claimBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.reconciler.Withdraw(r.Context(), reconcile.WithdrawRequest{
		RoundID:  body.RoundID,
		Contract: body.Contract,
	})
	h.writeResult(w, res, err)
}

func (h *Handler) writeResult(w http.ResponseWriter, res *reconcile.Result, err error) {
	if err != nil {
		writeError(w, actionStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) requireReconciler(w http.ResponseWriter) bool {
	if h.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("reconciler not configured"))
		return false
	}
	return true
}

// RegisterRoutes registers the status routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/round/state", h.HandleGetState)
	mux.HandleFunc("GET /api/round/history", h.HandleGetHistory)
	mux.HandleFunc("GET /api/user", h.HandleGetUser)
	mux.HandleFunc("POST /api/round/deposit", h.HandleDeposit)
	mux.HandleFunc("POST /api/round/claim", h.HandleClaim)
	mux.HandleFunc("POST /api/round/withdraw", h.HandleWithdraw)
	mux.HandleFunc("POST /api/round/{action}", h.HandleConnection)
	mux.HandleFunc("POST /api/round/{id}/subscribe", h.HandleSubscribe)
}

func connectionStatus(err error) int {
	switch {
	case errors.Is(err, connection.ErrReconnectExhausted):
		return http.StatusConflict
	case errors.Is(err, connection.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func actionStatus(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrNothingToClaim),
		errors.Is(err, reconcile.ErrInvalidContract),
		errors.Is(err, reconcile.ErrInvalidAmount),
		errors.Is(err, reconcile.ErrDepositTooSmall):
		return http.StatusBadRequest
	case errors.Is(err, reconcile.ErrDepositsClosed):
		return http.StatusConflict
	case errors.Is(err, reconcile.ErrAuthRejected), errors.Is(err, reconcile.ErrNoSigner):
		return http.StatusUnauthorized
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
