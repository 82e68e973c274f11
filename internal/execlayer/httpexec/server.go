// Package httpexec exposes an execution layer node over HTTP and provides
// the matching client, so a base ledger node can drive a remote validator.
package httpexec

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer"
	"github.com/datmedevil17/simcityMagicblock/internal/httputil"
	appmw "github.com/datmedevil17/simcityMagicblock/internal/middleware"
	"github.com/datmedevil17/simcityMagicblock/pkg/logger"
)

type releaseBody struct {
	ReleaseID string `json:"release_id"`
}

type evictBody struct {
	DelegationID string `json:"delegation_id"`
}

// Option configures a Server.
type Option func(*Server)

// WithInstructionHandler mounts h at POST /v1/instructions.
func WithInstructionHandler(h http.Handler) Option {
	return func(s *Server) { s.instructions = h }
}

// WithMiddleware wraps every route.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

// WithCustodyAuth guards the custody protocol under /v1/executor. Without
// it those routes reject every caller.
func WithCustodyAuth(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.custodyAuth = mw }
}

// Server serves one node.
type Server struct {
	node         execlayer.Node
	log          *logger.Logger
	instructions http.Handler
	middleware   []func(http.Handler) http.Handler
	custodyAuth  func(http.Handler) http.Handler
	router       chi.Router
}

func NewServer(node execlayer.Node, log *logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{node: node, log: log.Named("httpexec")}
	for _, opt := range opts {
		opt(s)
	}
	if s.custodyAuth == nil {
		s.custodyAuth = appmw.DenyAll("custody protocol is closed on this node")
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	for _, mw := range s.middleware {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "validator": s.node.ID()})
	})
	r.Route("/v1/executor", func(api chi.Router) {
		api.Use(s.custodyAuth)
		api.Post("/accept", s.accept)
		api.Route("/accounts/{address}", func(acct chi.Router) {
			acct.Get("/snapshot", s.snapshot)
			acct.Get("/holding", s.lookup)
			acct.Post("/release", s.release)
			acct.Post("/reinstate", s.reinstate)
			acct.Post("/evict", s.evict)
		})
	})
	r.Get("/v1/working/{address}", s.snapshot)
	if s.instructions != nil {
		r.Method(http.MethodPost, "/v1/instructions", s.instructions)
	}
	return r
}

func (s *Server) address(w http.ResponseWriter, r *http.Request) (chain.Address, bool) {
	addr, err := chain.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, apperrors.New(apperrors.CodeInvalidInstruction, "%v", err))
		return chain.Address{}, false
	}
	return addr, true
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) {
	var t execlayer.Transfer
	if err := httputil.DecodeJSON(r, "transfer", &t); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.node.Accept(r.Context(), t); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.address(w, r)
	if !ok {
		return
	}
	acct, err := s.node.Snapshot(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.address(w, r)
	if !ok {
		return
	}
	h, err := s.node.Lookup(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.address(w, r)
	if !ok {
		return
	}
	var body releaseBody
	if err := httputil.DecodeJSON(r, "release", &body); err != nil {
		s.fail(w, r, err)
		return
	}
	acct, err := s.node.Release(r.Context(), addr, body.ReleaseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}

func (s *Server) reinstate(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.address(w, r)
	if !ok {
		return
	}
	var body releaseBody
	if err := httputil.DecodeJSON(r, "reinstate", &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.node.Reinstate(r.Context(), addr, body.ReleaseID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) evict(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.address(w, r)
	if !ok {
		return
	}
	var body evictBody
	if err := httputil.DecodeJSON(r, "evict", &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.node.Evict(r.Context(), addr, body.DelegationID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status := httputil.WriteError(w, err); status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Warn("executor request failed")
	}
}
