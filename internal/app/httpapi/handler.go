// Package httpapi serves the base ledger node over HTTP: instruction
// submission, account reads, reconciliation and the event feed.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/city"
	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/counter"
	"github.com/datmedevil17/simcityMagicblock/internal/app/metrics"
	"github.com/datmedevil17/simcityMagicblock/internal/app/storage"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/delegation"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/events"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/recovery"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/state"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/httputil"
	"github.com/datmedevil17/simcityMagicblock/internal/program"
	"github.com/datmedevil17/simcityMagicblock/pkg/logger"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
	maxAccountLimit   = 500
	// instructions are small; the largest carries a session token.
	maxInstructionBytes = 64 << 10
)

// Dispatcher executes wire-encoded instructions.
type Dispatcher interface {
	Dispatch(ctx context.Context, wire []byte) (program.Result, error)
}

// Reconciler settles one account on demand.
type Reconciler interface {
	Recover(ctx context.Context, kind account.Kind, addr chain.Address) (delegation.Outcome, error)
}

// Deps are the collaborators behind the base node API. Recovery and
// Events may be nil; their routes then report the feature as unavailable.
type Deps struct {
	Ledger     storage.Ledger
	Dispatcher Dispatcher
	Recovery   Reconciler
	Events     events.EventLogger
	Logger     *logger.Logger
	Metrics    bool
	Middleware []mux.MiddlewareFunc
	// Mounts attaches extra handlers under path prefixes. The prefix is
	// stripped before the handler runs.
	Mounts map[string]http.Handler
}

type handler struct {
	ledger     storage.Ledger
	dispatcher Dispatcher
	recovery   Reconciler
	events     events.EventLogger
	log        *logger.Logger
}

// NewRouter builds the base node router.
func NewRouter(deps Deps) *mux.Router {
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	h := &handler{
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		recovery:   deps.Recovery,
		events:     deps.Events,
		log:        deps.Logger.Named("httpapi"),
	}

	r := mux.NewRouter()
	for _, mw := range deps.Middleware {
		r.Use(mw)
	}
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	if deps.Metrics {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/instructions", InstructionHandler(deps.Dispatcher, deps.Logger)).Methods(http.MethodPost)
	v1.HandleFunc("/accounts", h.listAccounts).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{address}", h.getAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{address}/reconcile", h.reconcile).Methods(http.MethodPost)
	v1.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
	v1.HandleFunc("/events/stream", h.streamEvents).Methods(http.MethodGet)

	for prefix, mounted := range deps.Mounts {
		r.PathPrefix(prefix + "/").Handler(http.StripPrefix(prefix, mounted))
	}
	return r
}

// InstructionHandler executes the raw instruction in the request body and
// responds with the program result. The executor node mounts it too.
func InstructionHandler(d Dispatcher, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.Discard()
	}
	log = log.Named("instructions")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wire, err := httputil.ReadBody(r, maxInstructionBytes)
		if err == nil && len(wire) == 0 {
			err = apperrors.New(apperrors.CodeInvalidInstruction, "empty instruction")
		}
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		res, err := d.Dispatch(r.Context(), wire)
		if err != nil {
			if status := httputil.WriteError(w, err); status >= http.StatusInternalServerError {
				log.WithError(err).WithField("request_id", events.RequestID(r.Context())).Warn("instruction failed")
			}
			return
		}
		httputil.WriteJSON(w, http.StatusOK, res)
	})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "layer": string(program.LayerBase)})
}

func (h *handler) address(w http.ResponseWriter, r *http.Request) (chain.Address, bool) {
	addr, err := chain.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		httputil.WriteError(w, apperrors.New(apperrors.CodeInvalidInstruction, "%v", err))
		return chain.Address{}, false
	}
	return addr, true
}

// accountView is a record with its payload decoded.
type accountView struct {
	account.Record
	Counter *counter.Counter `json:"counter,omitempty"`
	City    *city.City       `json:"city,omitempty"`
}

func decodeView(rec account.Record) (accountView, error) {
	view := accountView{Record: rec}
	switch rec.Kind {
	case account.KindCounter:
		var c counter.Counter
		if err := c.UnmarshalBinary(rec.Data); err != nil {
			return view, err
		}
		view.Counter = &c
	case account.KindCity:
		var c city.City
		if err := c.UnmarshalBinary(rec.Data); err != nil {
			return view, err
		}
		view.City = &c
	}
	return view, nil
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	rec, err := h.ledger.Get(r.Context(), addr)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	view, err := decodeView(rec)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ListFilter{Limit: maxAccountLimit}
	switch kind := account.Kind(q.Get("kind")); kind {
	case "":
	case account.KindCounter, account.KindCity:
		filter.Kind = kind
	default:
		httputil.WriteError(w, apperrors.New(apperrors.CodeInvalidInstruction, "unknown kind %q", kind))
		return
	}
	if raw := q.Get("state"); raw != "" {
		s, err := state.ParseDelegation(raw)
		if err != nil {
			httputil.WriteError(w, apperrors.New(apperrors.CodeInvalidInstruction, "%v", err))
			return
		}
		filter.State = storage.StateFilter(s)
	}
	filter.PendingOnly = q.Get("pending") == "true"
	limit, err := parseLimit(q.Get("limit"), maxAccountLimit, maxAccountLimit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	filter.Limit = limit

	recs, err := h.ledger.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"accounts": recs, "count": len(recs)})
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	if h.recovery == nil {
		httputil.WriteError(w, apperrors.InvalidState("reconciliation is not enabled on this node"))
		return
	}
	rec, err := h.ledger.Get(r.Context(), addr)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	outcome, err := h.recovery.Recover(r.Context(), rec.Kind, addr)
	if err != nil {
		httputil.WriteError(w, recoveryError(err))
		return
	}
	if rec, err = h.ledger.Get(r.Context(), addr); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "record": rec})
}

// recoveryError gives the worker's sentinel errors a typed code. Typed
// errors from the reconcile itself pass through.
func recoveryError(err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, recovery.ErrRecoveryInProgress),
		errors.Is(err, recovery.ErrCircuitBreakerOpen),
		errors.Is(err, recovery.ErrMaxRetriesExceeded):
		return apperrors.Wrap(apperrors.CodeUnavailable, err, "reconcile")
	case errors.Is(err, recovery.ErrRecoveryDisabled):
		return apperrors.InvalidState("reconciliation is disabled")
	case errors.Is(err, recovery.ErrUnknownKind):
		return apperrors.Wrap(apperrors.CodeKindMismatch, err, "reconcile")
	default:
		return apperrors.Internal(err, "reconcile")
	}
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": []events.Event{}, "count": 0})
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), defaultEventLimit, maxEventLimit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var out []events.Event
	switch {
	case q.Get("account") != "":
		out = h.events.RecentByAccount(q.Get("account"), limit)
	case q.Get("type") != "":
		out = h.events.RecentByType(events.EventType(q.Get("type")), limit)
	default:
		out = h.events.Recent(limit)
	}
	if out == nil {
		out = []events.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": out, "count": len(out)})
}

func parseLimit(raw string, def, ceiling int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperrors.New(apperrors.CodeInvalidInstruction, "limit must be a positive integer")
	}
	if n > ceiling {
		n = ceiling
	}
	return n, nil
}
