package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"paydesk.org/internal/access"
	"paydesk.org/internal/audit"
	"paydesk.org/internal/invoice"
	"paydesk.org/internal/search"
	"paydesk.org/internal/version"
)

type createInvoiceRequest struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type payRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type listInvoicesResponse struct {
	Items []invoice.Invoice `json:"items"`
	AsOf  time.Time         `json:"as_of"`
}

func (a *API) handleInvoicesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createInvoice(w, r)
	case http.MethodGet:
		a.listInvoices(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleInvoiceResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/invoices/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/pay") {
		id := strings.TrimSuffix(path, "/pay")
		id = strings.TrimSuffix(id, "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "invoice not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.payInvoice(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getInvoice(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}
	if len(accountID) > 64 {
		writeError(w, r, http.StatusBadRequest, "account_id must be <=64 characters")
		return
	}

	inv, err := a.invoices.Create(r.Context(), accountID, req.Amount)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "invoice.created", map[string]any{
		"invoice_id": inv.ID,
		"account_id": inv.AccountID,
		"amount":     inv.Amount.String(),
	})

	w.Header().Set("Location", "/v1/invoices/"+inv.ID)
	w.Header().Set("ETag", version.Format(inv.Version))
	writeJSON(w, http.StatusCreated, inv)
}

// getInvoice serves the record to its account owner or a privileged caller.
// When the owning account cannot be resolved the invoice stays inspectable.
func (a *API) getInvoice(w http.ResponseWriter, r *http.Request, id string) {
	inv, err := a.invoices.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if a.accounts != nil {
		if snap, err := a.accounts.Get(r.Context(), inv.AccountID); err == nil {
			if access.Resolve(access.FromContext(r.Context()), snap.OwnerUsername) == access.Denied {
				handleDomainError(w, r, access.ErrForbidden)
				return
			}
		}
	}
	w.Header().Set("ETag", version.Format(inv.Version))
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) listInvoices(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, err := a.invoices.List(r.Context(), filter, limit)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listInvoicesResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

// payInvoice applies a settlement. The invoice token comes in via If-Match;
// its absence and every guard failure keep their distinct status codes so
// clients can tell "re-read and retry" from "send a token at all".
func (a *API) payInvoice(w http.ResponseWriter, r *http.Request, id string) {
	var req payRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	token, present := ifMatch(r)
	res, err := a.engine.Pay(r.Context(), id, req.Amount, token, present)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	w.Header().Set("ETag", version.Format(res.Invoice.Version))
	writeJSON(w, http.StatusOK, res)
}

func filterFromQuery(r *http.Request) (search.Filter, error) {
	var filter search.Filter
	q := r.URL.Query()

	if status := strings.TrimSpace(q.Get("status")); status != "" {
		filter = filter.And(search.Status(status))
	}
	if acc := strings.TrimSpace(q.Get("account")); acc != "" {
		filter = filter.And(search.Account(acc))
	}
	if raw := strings.TrimSpace(q.Get("min_amount")); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, errors.New("min_amount is invalid")
		}
		filter = filter.And(search.MinAmount(d))
	}
	if raw := strings.TrimSpace(q.Get("max_amount")); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, errors.New("max_amount is invalid")
		}
		filter = filter.And(search.MaxAmount(d))
	}
	if raw := strings.TrimSpace(q.Get("created_after")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New("created_after must be RFC3339")
		}
		filter = filter.And(search.CreatedAfter(t))
	}
	if raw := strings.TrimSpace(q.Get("created_before")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New("created_before must be RFC3339")
		}
		filter = filter.And(search.CreatedBefore(t))
	}
	return filter, nil
}
