package kuro_api_client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kurolabs/kuro/go/clients"
	"github.com/kurolabs/kuro/go/internal/models"
)

// ErrUnsuccessful is returned when the backend answers with success=false.
var ErrUnsuccessful = errors.New("backend reported failure")

// KuroApiClient talks to the round backend: auth handshake, profile, round
// history and claim confirmation.
type KuroApiClient struct {
	*clients.BaseClient
}

func NewKuroApiClient(baseURL string) *KuroApiClient {
	return &KuroApiClient{
		BaseClient: clients.NewBaseClient(strings.TrimRight(baseURL, "/")),
	}
}

// envelope is the backend's standard response wrapper.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// SetToken authorizes later requests. An empty token clears it.
func (c *KuroApiClient) SetToken(token string) {
	if token == "" {
		c.SetHeader(AuthorizationHeader, "")
		return
	}
	c.SetHeader(AuthorizationHeader, BearerPrefix+token)
}

// RequestChallenge asks for the message address has to sign.
func (c *KuroApiClient) RequestChallenge(ctx context.Context, address string) (*models.AuthChallenge, error) {
	var resp envelope[models.AuthChallenge]
	if err := c.PostJSON(ctx, RequestSignatureEndpoint, map[string]string{"address": address}, &resp); err != nil {
		return nil, fmt.Errorf("failed to request signature: %w", err)
	}
	if resp.Data.Message == "" {
		return nil, fmt.Errorf("%w: empty signature message", ErrUnsuccessful)
	}
	return &resp.Data, nil
}

type verifyRequest struct {
	Address      string `json:"address"`
	Signature    string `json:"signature"`
	ReferralCode string `json:"referralCode,omitempty"`
}

// VerifySignature exchanges a signed challenge for a session. On success the
// session token is used for every later request.
func (c *KuroApiClient) VerifySignature(ctx context.Context, address, signature, referralCode string) (*models.AuthSession, error) {
	req := verifyRequest{Address: address, Signature: signature, ReferralCode: referralCode}

	var resp envelope[models.AuthSession]
	if err := c.PostJSON(ctx, VerifySignatureEndpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to verify signature: %w", err)
	}
	if resp.Data.Token == "" {
		return nil, fmt.Errorf("%w: token verification failed: %s", ErrUnsuccessful, resp.Message)
	}

	c.SetToken(resp.Data.Token)
	return &resp.Data, nil
}

// Profile returns the authenticated user.
func (c *KuroApiClient) Profile(ctx context.Context) (*models.User, error) {
	var resp envelope[*models.User]
	if err := c.GetJSON(ctx, ProfileEndpoint, &resp); err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if !resp.Success || resp.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsuccessful, resp.Message)
	}
	return resp.Data, nil
}

// Rounds fetches one page of round history. The page's Success flag is
// returned as sent; callers decide whether to keep it.
func (c *KuroApiClient) Rounds(ctx context.Context, query models.HistoryQuery) (*models.HistoryPage, error) {
	endpoint := HistoryEndpoint + "?" + historyParams(query).Encode()

	var page models.HistoryPage
	if err := c.GetJSON(ctx, endpoint, &page); err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return &page, nil
}

// ConfirmClaim records a mined claim or withdrawal.
func (c *KuroApiClient) ConfirmClaim(ctx context.Context, confirmation models.ClaimConfirmation) error {
	var resp envelope[any]
	if err := c.PostJSON(ctx, ClaimEndpoint, confirmation, &resp); err != nil {
		return fmt.Errorf("failed to confirm claim: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrUnsuccessful, resp.Message)
	}
	return nil
}

func historyParams(q models.HistoryQuery) url.Values {
	page := q.Page
	if page <= 0 {
		page = 1
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	filter := q.Filter
	if filter == "" {
		filter = models.HistoryFilterAll
	}

	v := url.Values{}
	v.Set("page", strconv.Itoa(page))
	v.Set("limit", strconv.Itoa(limit))
	v.Set("type", string(filter))
	if q.Address != "" {
		v.Set("address", q.Address)
	}
	return v
}
