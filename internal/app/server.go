package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/httpapi"
	"github.com/modelmux/modelmux/internal/idempotency"
	"github.com/modelmux/modelmux/internal/invoke"
	"github.com/modelmux/modelmux/internal/logging"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/policy"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/tracing"
	"github.com/modelmux/modelmux/internal/vault"
)

type Server struct {
	cfg Config

	r *chi.Mux

	vault    *vault.Vault
	dir      *catalog.Directory
	policies *policy.Store
	engine   *router.Engine
	invoker  *invoke.Client
	prober   *health.Prober
	bus      *events.Bus
	stats    *stats.Collector
	metrics  *metrics.Registry
	limiter  *ratelimit.Limiter
	idem     *idempotency.Cache
	logger   *slog.Logger

	db          *store.SQLiteStore // nil unless the sqlite ledger backend is active
	redisLedger *store.RedisLedger // nil unless the redis ledger backend is active

	traceShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "modelmux",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	m := metrics.New()
	bus := events.NewBus()
	collector := stats.NewCollector()

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:           cfg,
		vault:         v,
		bus:           bus,
		stats:         collector,
		metrics:       m,
		logger:        logger,
		traceShutdown: traceShutdown,
	}

	ledger, err := s.openLedger(cfg)
	if err != nil {
		return nil, err
	}

	// Endpoints and keys in the catalog file are written as "$NAME"
	// references; the vault wins over the environment when both resolve.
	s.dir = catalog.NewDirectory(catalog.ChainResolver{v, catalog.EnvResolver{}}, logger)
	s.policies = policy.NewStore(ledger, logger)

	if err := s.Reload(context.Background()); err != nil {
		s.shutdownStores()
		return nil, fmt.Errorf("initial load: %w", err)
	}

	engineOpts := []router.Option{
		router.WithBus(bus),
		router.WithStats(collector),
		router.WithMetrics(m),
	}
	if s.db != nil {
		engineOpts = append(engineOpts, router.WithAudit(s.db))
	}
	s.engine = router.NewEngine(s.dir, s.policies, logger, engineOpts...)

	s.invoker = invoke.NewClient(s.dir, s.policies, cfg.BackendAPIKey, logger,
		invoke.WithMetrics(m),
		invoke.WithBus(bus),
	)

	s.prober = health.NewProber(health.ProberConfig{
		Interval:     time.Duration(cfg.ProbeIntervalSecs) * time.Second,
		ProbeTimeout: time.Duration(cfg.ProbeTimeoutSecs) * time.Second,
	}, s.dir, bus, logger)
	s.prober.Start()

	s.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimited))

	s.idem = idempotency.New(10*time.Minute, 10000)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}
	r.Use(s.limiter.Middleware)

	var decisions httpapi.DecisionLister
	if s.db != nil {
		decisions = s.db
	}
	httpapi.MountRoutes(r, httpapi.Dependencies{
		Engine:      s.engine,
		Directory:   s.dir,
		Policies:    s.policies,
		Invoker:     s.invoker,
		Vault:       v,
		Metrics:     m,
		EventBus:    bus,
		Stats:       collector,
		Idempotency: s.idem,
		Decisions:   decisions,
		Reload:      s.Reload,
	})
	s.r = r

	return s, nil
}

// openLedger picks the spend ledger backend. With sqlite the same store also
// persists the decision audit log and the encrypted vault blob.
func (s *Server) openLedger(cfg Config) (policy.Ledger, error) {
	switch cfg.LedgerBackend {
	case "sqlite":
		db, err := store.NewSQLite(cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
		s.logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))
		s.db = db

		if cfg.VaultEnabled {
			salt, data, err := db.LoadVaultBlob(context.Background())
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("load vault blob: %w", err)
			}
			if salt != nil {
				s.vault.SetSalt(salt)
			}
			if len(data) > 0 {
				if err := s.vault.Import(data); err != nil {
					db.Close()
					return nil, fmt.Errorf("import vault blob: %w", err)
				}
			}
		}
		return db, nil

	case "redis":
		rl, err := store.NewRedisLedger(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis ledger: %w", err)
		}
		s.logger.Info("redis ledger connected", slog.String("addr", cfg.RedisAddr))
		s.redisLedger = rl
		return rl, nil

	default:
		return policy.NewMemoryLedger(), nil
	}
}

// Reload re-reads the catalog and policy files and swaps both snapshots in.
// Either file failing to load keeps the previous snapshots intact. With the
// vault enabled and a sqlite store open, the encrypted vault blob is
// persisted so unlocks survive restarts.
func (s *Server) Reload(ctx context.Context) error {
	catalogData, err := os.ReadFile(s.cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	policyData, err := os.ReadFile(s.cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("read policies: %w", err)
	}
	if err := s.dir.Load(catalogData); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if err := s.policies.Load(policyData); err != nil {
		return fmt.Errorf("load policies: %w", err)
	}

	deployments := s.dir.Summarize().TotalDeployments
	policies := len(s.policies.List())
	s.logger.Info("configuration loaded",
		slog.Int("deployments", deployments),
		slog.Int("policies", policies),
	)
	s.bus.Publish(events.Event{
		Type:        events.EventCatalogReload,
		Deployments: deployments,
		Policies:    policies,
	})

	if s.db != nil && s.cfg.VaultEnabled {
		if err := s.db.SaveVaultBlob(ctx, s.vault.Salt(), s.vault.Export()); err != nil {
			s.logger.Error("persist vault blob", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *Server) Router() http.Handler { return s.r }

// Directory exposes the deployment directory for maintenance workers.
func (s *Server) Directory() *catalog.Directory { return s.dir }

// Policies exposes the policy store for maintenance workers.
func (s *Server) Policies() *policy.Store { return s.policies }

// Prober exposes the health prober for maintenance workers.
func (s *Server) Prober() *health.Prober { return s.prober }

// Bus exposes the event bus.
func (s *Server) Bus() *events.Bus { return s.bus }

// Logger exposes the configured logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

func (s *Server) Close() error {
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.idem != nil {
		s.idem.Stop()
	}
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.traceShutdown(ctx)
	}
	return s.shutdownStores()
}

func (s *Server) shutdownStores() error {
	var firstErr error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			firstErr = err
		}
	}
	if s.redisLedger != nil {
		if err := s.redisLedger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
