package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"paydesk.org/internal/account"
)

func TestGetMapsStatuses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"remote 404", http.StatusNotFound, account.ErrNotFound},
		{"remote 500", http.StatusInternalServerError, account.ErrUnreachable},
		{"remote 502", http.StatusBadGateway, account.ErrUnreachable},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := New(srv.URL)
			if _, err := c.Get(context.Background(), "a1"); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestGetDecodesSnapshot(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts/a1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":             "a1",
			"owner_username": "alice",
			"balance":        "250.75",
			"version":        3,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	acc, err := c.Get(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if acc.ID != "a1" || acc.OwnerUsername != "alice" || acc.Version != 3 {
		t.Fatalf("unexpected snapshot: %+v", acc)
	}
	if !acc.Balance.Equal(decimal.RequireFromString("250.75")) {
		t.Fatalf("unexpected balance: %s", acc.Balance)
	}
}

func TestApplyDeltaSendsPrecondition(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts/a1/delta" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("If-Match"); got != `"3"` {
			t.Errorf("unexpected If-Match: %q", got)
		}
		var body struct {
			Amount decimal.Decimal `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if !body.Amount.Equal(decimal.NewFromInt(-20)) {
			t.Errorf("unexpected amount: %s", body.Amount)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "a1", "owner_username": "alice", "balance": "80", "version": 4,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	acc, err := c.ApplyDelta(context.Background(), "a1", decimal.NewFromInt(-20), 3)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Version != 4 || !acc.Balance.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("unexpected account: %+v", acc)
	}
}

func TestApplyDeltaConflict(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusPreconditionFailed, http.StatusConflict} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		c := New(srv.URL)
		_, err := c.ApplyDelta(context.Background(), "a1", decimal.NewFromInt(-1), 0)
		srv.Close()
		if !errors.Is(err, account.ErrVersionConflict) {
			t.Fatalf("status %d: expected ErrVersionConflict, got %v", status, err)
		}
	}
}

func TestTimeoutIsUnreachable(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	c := New(srv.URL, WithTimeout(50*time.Millisecond))
	if _, err := c.Get(context.Background(), "a1"); !errors.Is(err, account.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable on timeout, got %v", err)
	}
}

func TestAuthTokenForwarded(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer svc-token" {
			t.Errorf("unexpected auth header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "a1", "balance": "0", "version": 0})
	}))
	defer srv.Close()

	c := New(srv.URL, WithAuthToken("svc-token"))
	if _, err := c.Get(context.Background(), "a1"); err != nil {
		t.Fatal(err)
	}
}
