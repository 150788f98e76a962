// Package remote is the HTTP client for the account service. It implements
// account.Service so the settlement engine cannot tell a remote account
// store from a local one.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"paydesk.org/internal/account"
	"paydesk.org/internal/version"
)

const defaultTimeout = 5 * time.Second

// Client talks to the account service wire contract: a read endpoint
// returning the balance snapshot and a delta endpoint guarded by an
// If-Match version precondition.
type Client struct {
	baseURL   string
	http      *http.Client
	authToken string
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTimeout sets the per-call budget. Exceeding it is reported as
// account.ErrUnreachable, never as a silent success.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithAuthToken attaches a bearer token to every outgoing request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// New creates a client with sensible defaults.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ account.Service = (*Client)(nil)

type accountPayload struct {
	ID            string          `json:"id"`
	OwnerUsername string          `json:"owner_username"`
	Balance       decimal.Decimal `json:"balance"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (p accountPayload) toAccount() account.Account {
	return account.Account{
		ID:            p.ID,
		OwnerUsername: p.OwnerUsername,
		Balance:       p.Balance,
		Version:       p.Version,
		CreatedAt:     p.CreatedAt,
	}
}

type createRequest struct {
	OwnerUsername  string          `json:"owner_username"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

type deltaRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (c *Client) Create(ctx context.Context, ownerUsername string, initial decimal.Decimal) (account.Account, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/accounts", createRequest{
		OwnerUsername:  ownerUsername,
		InitialBalance: initial,
	}, "")
	if err != nil {
		return account.Account{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return account.Account{}, mapStatus(resp.StatusCode)
	}
	return decodeAccount(resp)
}

// Get fetches the balance snapshot. The snapshot is read per operation and
// never cached; its staleness window is the single round-trip before the
// delta call.
func (c *Client) Get(ctx context.Context, id string) (account.Account, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/accounts/"+id, nil, "")
	if err != nil {
		return account.Account{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return account.Account{}, mapStatus(resp.StatusCode)
	}
	return decodeAccount(resp)
}

// ApplyDelta posts a signed balance mutation with the version precondition.
// The remote side re-runs its own version guard; a conflict means another
// operation advanced the balance since Get, and is surfaced without retry.
func (c *Client) ApplyDelta(ctx context.Context, id string, delta decimal.Decimal, expectedVersion int64) (account.Account, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/accounts/"+id+"/delta", deltaRequest{Amount: delta}, version.Format(expectedVersion))
	if err != nil {
		return account.Account{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return account.Account{}, mapStatus(resp.StatusCode)
	}
	return decodeAccount(resp)
}

func (c *Client) do(ctx context.Context, method, path string, body any, ifMatch string) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and transport failures collapse to unreachable.
		return nil, fmt.Errorf("%w: %v", account.ErrUnreachable, err)
	}
	return resp, nil
}

func decodeAccount(resp *http.Response) (account.Account, error) {
	var p accountPayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return account.Account{}, fmt.Errorf("%w: decode response: %v", account.ErrUnreachable, err)
	}
	return p.toAccount(), nil
}

func mapStatus(code int) error {
	switch code {
	case http.StatusNotFound:
		return account.ErrNotFound
	case http.StatusPreconditionFailed, http.StatusConflict:
		return account.ErrVersionConflict
	case http.StatusUnprocessableEntity:
		return account.ErrInsufficientFunds
	default:
		return fmt.Errorf("%w: status %d", account.ErrUnreachable, code)
	}
}
