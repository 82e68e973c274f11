package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/city"
	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/counter"
	"github.com/datmedevil17/simcityMagicblock/internal/app/httpapi"
	"github.com/datmedevil17/simcityMagicblock/internal/app/metrics"
	"github.com/datmedevil17/simcityMagicblock/internal/app/scheduler"
	"github.com/datmedevil17/simcityMagicblock/internal/app/storage"
	"github.com/datmedevil17/simcityMagicblock/internal/app/storage/memory"
	"github.com/datmedevil17/simcityMagicblock/internal/app/storage/postgres"
	"github.com/datmedevil17/simcityMagicblock/internal/app/system"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/config"
	"github.com/datmedevil17/simcityMagicblock/internal/delegation"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/bus"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/events"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/recovery"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer/httpexec"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer/redisexec"
	"github.com/datmedevil17/simcityMagicblock/internal/instruction"
	"github.com/datmedevil17/simcityMagicblock/internal/middleware"
	"github.com/datmedevil17/simcityMagicblock/internal/platform/migrations"
	"github.com/datmedevil17/simcityMagicblock/internal/program"
	"github.com/datmedevil17/simcityMagicblock/internal/session"
	"github.com/datmedevil17/simcityMagicblock/pkg/logger"
)

// EphemeralPrefix is where a ledger node with an in-process executor
// mounts the executor API.
const EphemeralPrefix = "/ephemeral"

const eventBufferSize = 1024

// Role selects which node an Application runs.
type Role string

const (
	RoleLedger   Role = "ledger"
	RoleExecutor Role = "executor"
)

// Option overrides a collaborator built from configuration. Used by tests
// and by embedders that bring their own stores.
type Option func(*options)

type options struct {
	clock  chain.Clock
	ledger storage.Ledger
	node   execlayer.Node
}

func WithClock(c chain.Clock) Option { return func(o *options) { o.clock = c } }

func WithLedger(l storage.Ledger) Option { return func(o *options) { o.ledger = l } }

func WithNode(n execlayer.Node) Option { return func(o *options) { o.node = n } }

// Application wires one node from configuration and manages its lifecycle.
type Application struct {
	role    Role
	cfg     *config.Config
	log     *logger.Logger
	manager *system.Manager
	handler http.Handler
	server  *http.Server
	closers []func() error
	db      *sql.DB

	Events     *events.RingBuffer
	Ledger     storage.Ledger
	Node       execlayer.Node
	Pool       *execlayer.Pool
	Limiter    *bus.Limiter
	Counters   *delegation.Manager[counter.Counter, *counter.Counter]
	Cities     *delegation.Manager[city.City, *city.City]
	Dispatcher *program.Dispatcher
	Ephemeral  *program.Dispatcher
	Recovery   *recovery.Manager
	Scheduler  *scheduler.Scheduler
	RateLimit  *middleware.RateLimiter
}

func resolve(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = chain.SystemClock{}
	}
	return o
}

func newApplication(role Role, cfg *config.Config, log *logger.Logger) *Application {
	if log == nil {
		log = logger.NewDefault(string(role))
	}
	return &Application{
		role:    role,
		cfg:     cfg,
		log:     log,
		manager: system.NewManager(),
		Events:  events.NewRingBuffer(eventBufferSize),
	}
}

// NewLedger builds a base ledger node: the ledger store, the validator
// pool, the lifecycle managers, the recovery worker, the optional
// auto-commit scheduler and the base HTTP API.
func NewLedger(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Application, error) {
	o := resolve(opts)
	a := newApplication(RoleLedger, cfg, log)

	if err := a.buildLedger(cfg.Storage, o); err != nil {
		a.close()
		return nil, fmt.Errorf("configure ledger: %w", err)
	}
	if err := a.buildPool(ctx, cfg, o); err != nil {
		a.close()
		return nil, fmt.Errorf("configure validators: %w", err)
	}
	verifier, err := buildVerifier(cfg.Sessions)
	if err != nil {
		a.close()
		return nil, err
	}

	a.Limiter = bus.NewLimiter(bus.LimiterConfig{
		MaxConcurrent:  cfg.Lifecycle.MaxInflight,
		AcquireTimeout: cfg.Lifecycle.AcquireTimeout,
		QueueSize:      cfg.Lifecycle.QueueSize,
	})
	a.closers = append(a.closers, func() error { a.Limiter.Close(); return nil })
	if err := metrics.RegisterLimiter(metrics.Registry, a.Limiter); err != nil {
		a.log.WithError(err).Debug("limiter gauges already registered")
	}

	deps := delegation.Deps{
		Ledger:         a.Ledger,
		Pool:           a.Pool,
		Locks:          bus.NewKeyedMutex[chain.Address](),
		Limiter:        a.Limiter,
		Clock:          o.clock,
		Events:         a.Events,
		Logger:         a.log,
		Observer:       metrics.Recorder{},
		HandoffTimeout: cfg.Lifecycle.HandoffTimeout,
	}
	a.Counters = delegation.New[counter.Counter](account.KindCounter, instruction.ProgramCounter, deps)
	a.Cities = delegation.New[city.City](account.KindCity, instruction.ProgramCity, deps)

	dispatchOpts := []program.DispatcherOption{
		program.WithLifecycle(instruction.ProgramCounter, a.Counters),
		program.WithLifecycle(instruction.ProgramCity, a.Cities),
		program.WithObserver(metrics.Recorder{}),
	}
	if verifier != nil {
		dispatchOpts = append(dispatchOpts, program.WithVerifier(verifier))
	}
	a.Dispatcher = program.NewDispatcher(program.Base(a.Ledger, o.clock, a.Events, a.log), dispatchOpts...)

	a.Recovery = recovery.NewManager(cfg.Recovery, a.Events, a.log, o.clock)
	a.Recovery.Register(a.Counters)
	a.Recovery.Register(a.Cities)
	if err := a.manager.Register(a.recoveryService()); err != nil {
		a.close()
		return nil, err
	}

	if cfg.AutoCommit.Enabled {
		sched, err := scheduler.New(cfg.AutoCommit, a.log, a.Counters, a.Cities)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("configure auto-commit: %w", err)
		}
		sched.OnRun(metrics.RecordCheckpoints)
		a.Scheduler = sched
		if err := a.manager.Register(system.Func{
			ServiceName: "auto-commit",
			OnStart:     func(context.Context) error { sched.Start(); return nil },
			OnStop:      sched.Stop,
		}); err != nil {
			a.close()
			return nil, err
		}
	}

	mounts := map[string]http.Handler{}
	if a.Node != nil {
		a.Ephemeral = a.ephemeralDispatcher(verifier, o.clock)
		mounts[EphemeralPrefix] = httpexec.NewServer(a.Node, a.log,
			httpexec.WithInstructionHandler(httpapi.InstructionHandler(a.Ephemeral, a.log)))
	}
	a.handler = httpapi.NewRouter(httpapi.Deps{
		Ledger:     a.Ledger,
		Dispatcher: a.Dispatcher,
		Recovery:   a.Recovery,
		Events:     a.Events,
		Logger:     a.log,
		Metrics:    cfg.Server.MetricsEnabled,
		Middleware: a.middleware(),
		Mounts:     mounts,
	})
	return a, nil
}

// NewExecutor builds an execution layer node: the working set store, the
// ephemeral instruction dispatcher and the executor HTTP API.
func NewExecutor(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Application, error) {
	o := resolve(opts)
	a := newApplication(RoleExecutor, cfg, log)

	node, err := a.buildNode(ctx, cfg.Executor, o)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("configure executor: %w", err)
	}
	a.Node = node
	verifier, err := buildVerifier(cfg.Sessions)
	if err != nil {
		a.close()
		return nil, err
	}
	a.Ephemeral = a.ephemeralDispatcher(verifier, o.clock)

	srvOpts, err := a.custodyAuth(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	srvOpts = append(srvOpts, httpexec.WithInstructionHandler(httpapi.InstructionHandler(a.Ephemeral, a.log)))
	for _, mw := range a.middleware() {
		srvOpts = append(srvOpts, httpexec.WithMiddleware(mw))
	}
	exec := httpexec.NewServer(a.Node, a.log, srvOpts...)
	if cfg.Server.MetricsEnabled {
		root := http.NewServeMux()
		root.Handle("/metrics", metrics.Handler())
		root.Handle("/", exec)
		a.handler = root
	} else {
		a.handler = exec
	}
	return a, nil
}

func (a *Application) ephemeralDispatcher(v *session.Verifier, clock chain.Clock) *program.Dispatcher {
	opts := []program.DispatcherOption{program.WithObserver(metrics.Recorder{})}
	if v != nil {
		opts = append(opts, program.WithVerifier(v))
	}
	return program.NewDispatcher(program.Ephemeral(a.Node, clock, a.Events, a.log), opts...)
}

func (a *Application) middleware() []mux.MiddlewareFunc {
	mw := []mux.MiddlewareFunc{
		middleware.NewTracingMiddleware(a.log.Named("http")).Handler,
		metrics.InstrumentHandler,
	}
	if rl := a.cfg.RateLimit; rl.Enabled {
		rps := int(rl.RequestsPerSecond)
		if rps < 1 {
			rps = 1
		}
		a.RateLimit = middleware.NewRateLimiter(rps, rl.Burst, a.log.Named("ratelimit"))
		mw = append(mw, a.RateLimit.Handler)
	}
	return mw
}

func (a *Application) recoveryService() system.Service {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	return system.Func{
		ServiceName: "recovery",
		OnStart: func(ctx context.Context) error {
			runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
			cancel, done = stop, make(chan struct{})
			go func() {
				defer close(done)
				a.Recovery.Run(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := a.Recovery.Shutdown(ctx)
			if cancel != nil {
				cancel()
				select {
				case <-done:
				case <-ctx.Done():
					return errors.Join(err, ctx.Err())
				}
			}
			return err
		},
	}
}

func (a *Application) buildLedger(cfg config.StorageConfig, o options) error {
	if o.ledger != nil {
		a.Ledger = o.ledger
		return nil
	}
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		if cfg.Migrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := migrations.Apply(ctx, db); err != nil {
				return err
			}
		}
		a.Ledger = postgres.New(db, o.clock)
	default:
		a.Ledger = memory.New(o.clock)
	}
	return nil
}

// buildPool registers the configured remote validators. Without any, the
// node runs an in-process executor from the executor settings.
func (a *Application) buildPool(ctx context.Context, cfg *config.Config, o options) error {
	if len(cfg.Validators) == 0 {
		node, err := a.buildNode(ctx, cfg.Executor, o)
		if err != nil {
			return err
		}
		a.Node = node
		a.Pool = execlayer.NewPool(node)
		return nil
	}
	key, err := cfg.ServiceAuth.Keypair()
	if err != nil {
		return err
	}
	tokens := middleware.NewServiceTokenGenerator(key, cfg.ServiceAuth.ServiceID, cfg.ServiceAuth.TokenTTL)
	a.log.WithField("service_key", tokens.PublicKey().String()).Info("signing custody calls")

	hc := &http.Client{Timeout: cfg.Lifecycle.HandoffTimeout}
	a.Pool = execlayer.NewPool()
	for _, v := range cfg.Validators {
		a.Pool.Add(httpexec.NewClient(v.ID, v.URL, hc, httpexec.WithServiceToken(tokens)))
	}
	return nil
}

// custodyAuth guards the executor's custody routes with service tokens from
// the trusted ledger keys. Without trusted keys the routes stay closed.
func (a *Application) custodyAuth(cfg *config.Config) ([]httpexec.Option, error) {
	trusted, err := cfg.ServiceAuth.TrustedKeys()
	if err != nil {
		return nil, err
	}
	if len(trusted) == 0 {
		a.log.Warn("no trusted service keys; custody protocol is closed")
		return nil, nil
	}
	mw := middleware.NewServiceAuthMiddleware(middleware.ServiceAuthConfig{
		Trusted:         trusted,
		AllowedServices: cfg.ServiceAuth.AllowedServices,
		Audience:        cfg.Executor.ID,
		Logger:          a.log.Named("serviceauth"),
	})
	return []httpexec.Option{httpexec.WithCustodyAuth(mw.Handler)}, nil
}

func (a *Application) buildNode(ctx context.Context, cfg config.ExecutorConfig, o options) (execlayer.Node, error) {
	if o.node != nil {
		return o.node, nil
	}
	switch cfg.Backend {
	case config.BackendRedis:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		node, err := redisexec.Dial(dialCtx, cfg.ID, cfg.Redis, o.clock)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, node.Close)
		return node, nil
	default:
		return execlayer.NewMemory(cfg.ID, o.clock), nil
	}
}

func buildVerifier(cfg config.SessionConfig) (*session.Verifier, error) {
	if len(cfg.Issuers) == 0 {
		return nil, nil
	}
	keys := make([]chain.PublicKey, 0, len(cfg.Issuers))
	for _, raw := range cfg.Issuers {
		pk, err := chain.ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("session issuer %q: %w", raw, err)
		}
		keys = append(keys, pk)
	}
	return session.NewVerifier(keys...), nil
}

func openDatabase(cfg config.StorageConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Role reports which node this is.
func (a *Application) Role() Role { return a.role }

// Handler returns the node's HTTP handler.
func (a *Application) Handler() http.Handler { return a.handler }

// Start begins the background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Run starts the background services and the HTTP server and blocks until
// ctx is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	a.server = &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      a.handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.cfg.Server.Addr).WithField("role", string(a.role)).Info("HTTP server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server, then the background services, then
// closes stores.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := a.manager.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	a.close()
	return errors.Join(errs...)
}

func (a *Application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("error closing resource")
		}
	}
	a.closers = nil
}
