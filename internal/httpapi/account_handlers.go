package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"paydesk.org/internal/account"
	"paydesk.org/internal/audit"
	"paydesk.org/internal/version"
)

type createAccountRequest struct {
	OwnerUsername  string          `json:"owner_username"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

type deltaRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAccount(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/delta") {
		id := strings.TrimSuffix(path, "/delta")
		id = strings.TrimSuffix(id, "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "account not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.applyDelta(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getAccount(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	owner := strings.TrimSpace(req.OwnerUsername)
	if owner == "" {
		writeError(w, r, http.StatusBadRequest, "owner_username is required")
		return
	}
	if len(owner) > 64 {
		writeError(w, r, http.StatusBadRequest, "owner_username must be <=64 characters")
		return
	}
	if req.InitialBalance.IsNegative() {
		writeError(w, r, http.StatusBadRequest, "initial_balance must be >= 0")
		return
	}

	acc, err := a.accounts.Create(r.Context(), owner, req.InitialBalance)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "account.created", map[string]any{
		"account_id":      acc.ID,
		"owner_username":  acc.OwnerUsername,
		"initial_balance": acc.Balance.String(),
	})

	w.Header().Set("Location", "/v1/accounts/"+acc.ID)
	w.Header().Set("ETag", version.Format(acc.Version))
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request, id string) {
	acc, err := a.accounts.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("ETag", version.Format(acc.Version))
	writeJSON(w, http.StatusOK, acc)
}

// applyDelta mutates the balance under the If-Match precondition. The
// version guard runs against the live version here, so an outdated and an
// ahead token fail before the store is touched; a race between the check
// and the store's compare-and-set still answers 412.
func (a *API) applyDelta(w http.ResponseWriter, r *http.Request, id string) {
	var req deltaRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	acc, err := a.accounts.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	token, present := ifMatch(r)
	expected, err := version.Validate(token, present, acc.Version)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	updated, err := a.accounts.ApplyDelta(r.Context(), id, req.Amount, expected)
	if err != nil {
		if errors.Is(err, account.ErrVersionConflict) {
			// If-Match semantics: the lost race is a failed precondition.
			writeError(w, r, http.StatusPreconditionFailed, err.Error())
			return
		}
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "account.delta_applied", map[string]any{
		"account_id": updated.ID,
		"amount":     req.Amount.String(),
		"balance":    updated.Balance.String(),
		"version":    updated.Version,
	})

	w.Header().Set("ETag", version.Format(updated.Version))
	writeJSON(w, http.StatusOK, updated)
}
