// Package httpapi is the HTTP layer shared by the invoice service and the
// account service. Each binary wires only the services it owns; routes for
// absent services are simply not registered.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"paydesk.org/internal/access"
	"paydesk.org/internal/account"
	"paydesk.org/internal/invoice"
	"paydesk.org/internal/obs"
	"paydesk.org/internal/settlement"
	"paydesk.org/internal/stream"
	"paydesk.org/internal/version"
)

// ReadyProbe pings the backing store for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options selects which services this instance serves.
type Options struct {
	Ready   ReadyProbe
	Version string
	Service string

	Invoices invoice.Service
	Accounts account.Service
	Engine   *settlement.Engine
	Stream   *stream.Stream

	// DisableAuth skips bearer-token authentication. Only for tests and
	// local smoke runs.
	DisableAuth bool
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	service    string

	invoices invoice.Service
	accounts account.Service
	engine   *settlement.Engine
	stream   *stream.Stream

	authDisabled bool
}

func New(opts Options) *API {
	a := &API{
		mux:          http.NewServeMux(),
		readyProbe:   opts.Ready,
		version:      opts.Version,
		service:      opts.Service,
		invoices:     opts.Invoices,
		accounts:     opts.Accounts,
		engine:       opts.Engine,
		stream:       opts.Stream,
		authDisabled: opts.DisableAuth,
	}
	if a.service == "" {
		a.service = "paydesk"
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// demo token issuance
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	if a.invoices != nil {
		a.mux.HandleFunc("/v1/invoices", a.handleInvoicesCollection)
		a.mux.HandleFunc("/v1/invoices/", a.handleInvoiceResource)
	}
	if a.accounts != nil {
		a.mux.HandleFunc("/v1/accounts", a.handleAccountsCollection)
		a.mux.HandleFunc("/v1/accounts/", a.handleAccountResource)
	}
	if a.stream != nil {
		a.mux.HandleFunc("/v1/stream", a.Stream)
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = RateLimit(h, 50, 25)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": a.service,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    a.service,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

// ifMatch extracts the optimistic-concurrency token. The second return
// distinguishes an absent header from an empty one.
func ifMatch(r *http.Request) (string, bool) {
	vals, ok := r.Header["If-Match"]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return strings.TrimSpace(vals[0]), true
}

// handleDomainError maps domain errors to status codes. The version guard
// taxonomy keeps its wire distinction: a missing token answers 428 so the
// client knows to send one at all, every other guard failure answers 412.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		malformed *version.MalformedError
		outdated  *version.OutdatedError
		ahead     *version.AheadError
	)
	switch {
	case errors.Is(err, version.ErrMissing):
		writeError(w, r, http.StatusPreconditionRequired, err.Error())
	case errors.As(err, &malformed), errors.As(err, &outdated), errors.As(err, &ahead):
		writeError(w, r, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, access.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, invoice.ErrNotFound), errors.Is(err, account.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, invoice.ErrAlreadyPaid):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, invoice.ErrVersionConflict), errors.Is(err, account.ErrVersionConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, account.ErrInsufficientFunds):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, invoice.ErrInvalidAmount), errors.Is(err, account.ErrInvalidAmount), errors.Is(err, account.ErrInvalidOwner):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, account.ErrUnreachable):
		writeError(w, r, http.StatusBadGateway, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
