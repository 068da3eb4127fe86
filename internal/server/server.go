// Package server assembles the feature packages into the fleet control
// plane: one HTTP surface for operators, one for edge devices, shared
// storage, and the background loops only the leader replica runs.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"github.com/hashplane/hashplane/pkg/audit"
	"github.com/hashplane/hashplane/pkg/authz"
	"github.com/hashplane/hashplane/pkg/command"
	"github.com/hashplane/hashplane/pkg/dispatch"
	"github.com/hashplane/hashplane/pkg/fleet"
	"github.com/hashplane/hashplane/pkg/ha"
	"github.com/hashplane/hashplane/pkg/policy"
	"github.com/hashplane/hashplane/pkg/ratelimit"
	"github.com/hashplane/hashplane/pkg/tenancy"
	"github.com/hashplane/hashplane/pkg/vault"
)

// Server wires stores, services and routers together and owns the
// background loops (leader election, expiry sweep, policy reload).
type Server struct {
	db     *gorm.DB
	cfg    Config
	logger *slog.Logger

	auditStore   *audit.Store
	fleetStore   *fleet.Store
	registrar    *fleet.Registrar
	commandStore *command.Store
	commands     *command.Service
	policies     *policy.Engine
	watcher      *policy.Watcher
	vault        *vault.Vault
	dispatcher   *dispatch.Dispatcher
	acks         *dispatch.AckProcessor
	sweeper      *dispatch.Sweeper
	edgeLimiter  *ratelimit.Limiter

	jwtExtractor    authz.IdentityExtractor
	migrationLocker ha.MigrationLocker
	leaderElector   *ha.LeaderElector

	router    chi.Router
	startedAt time.Time

	mu       sync.RWMutex
	initDone bool
}

// Option configures a Server.
type Option func(*Server)

// WithMigrationLocker serializes schema migrations across replicas. Without
// it migrations run unlocked, which is fine for a single replica.
func WithMigrationLocker(locker ha.MigrationLocker) Option {
	return func(s *Server) {
		s.migrationLocker = locker
	}
}

// WithLeaderElector gates the singleton background loops on a row-lease
// election. Without it the instance acts as the sole leader.
func WithLeaderElector(le *ha.LeaderElector) Option {
	return func(s *Server) {
		s.leaderElector = le
	}
}

// New creates a Server. Init must run before MountRoutes or Start.
func New(gdb *gorm.DB, cfg Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:        gdb,
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsLeader reports whether this replica currently runs the singleton
// loops. True when leader election is not configured.
func (s *Server) IsLeader() bool {
	if s.leaderElector == nil {
		return true
	}
	return s.leaderElector.IsLeader()
}

// Init builds the services, migrates the schema and loads file-based
// state (inventory, approval policies).
func (s *Server) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Auth.Mode == "jwt" {
		extractor, err := authz.NewJWTIdentityExtractor(s.cfg.Auth.JWT)
		if err != nil {
			return fmt.Errorf("configure jwt identity: %w", err)
		}
		s.jwtExtractor = extractor
	}

	s.auditStore = audit.NewStore(s.db, s.logger)
	s.fleetStore = fleet.NewStore(s.db)
	s.registrar = fleet.NewRegistrar(s.db, s.fleetStore, s.auditStore, s.cfg.Fleet, s.logger)
	s.commandStore = command.NewStore(s.db)
	s.policies = policy.NewEngine(s.logger)
	s.commands = command.NewService(s.db, s.commandStore, s.fleetStore, s.policies, s.auditStore, s.cfg.Command, s.logger)
	s.vault = vault.NewVault(s.db, s.fleetStore, s.auditStore, s.cfg.Vault, s.logger)
	s.dispatcher = dispatch.NewDispatcher(s.db, s.commandStore, s.auditStore, s.cfg.Dispatch, s.logger)
	s.acks = dispatch.NewAckProcessor(s.db, s.commandStore, s.auditStore, s.logger)
	s.sweeper = dispatch.NewSweeper(s.db, s.commandStore, s.auditStore, s, s.cfg.Dispatch, s.logger)
	s.edgeLimiter = ratelimit.NewLimiter(s.cfg.EdgePollRate, s.cfg.EdgePollBurst)

	migrateFn := func() error {
		// The audit store migrates first: it seeds the chain genesis row
		// every other store's events hang off.
		if err := s.auditStore.AutoMigrate(); err != nil {
			return err
		}
		if err := s.fleetStore.AutoMigrate(); err != nil {
			return err
		}
		if err := s.commandStore.AutoMigrate(); err != nil {
			return err
		}
		if err := s.vault.AutoMigrate(); err != nil {
			return err
		}
		if s.leaderElector != nil {
			if err := s.leaderElector.AutoMigrate(); err != nil {
				return err
			}
		}
		return nil
	}
	if s.migrationLocker != nil {
		s.logger.Info("running migrations with lock")
		if err := s.migrationLocker.WithLock(ctx, migrateFn); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	} else if err := migrateFn(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if s.cfg.Fleet.InventoryFile != "" {
		inv, err := fleet.LoadInventory(s.cfg.Fleet.InventoryFile)
		if err != nil {
			return fmt.Errorf("load inventory: %w", err)
		}
		if err := s.fleetStore.ApplyInventory(inv); err != nil {
			return fmt.Errorf("apply inventory: %w", err)
		}
		s.logger.Info("applied fleet inventory", "path", s.cfg.Fleet.InventoryFile, "sites", len(inv.Sites))
	}

	if s.cfg.Policy.PolicyPath != "" {
		if err := s.policies.LoadFile(s.cfg.Policy.PolicyPath); err != nil {
			// Baseline tiers stay in force; an unreadable file must not
			// weaken the gate below them.
			s.logger.Warn("approval policy file not loaded, baseline tiers in force",
				"path", s.cfg.Policy.PolicyPath, "error", err)
		}
		if s.cfg.Policy.Reload {
			w, err := policy.NewWatcher(s.policies, s.cfg.Policy.PolicyPath, s.logger)
			if err != nil {
				s.logger.Warn("policy reload unavailable", "error", err)
			} else {
				s.watcher = w
			}
		}
	}

	s.initDone = true
	return nil
}

// MountRoutes creates the HTTP router: operator surface, audit surface and
// the rate-limited edge surface, plus the health endpoints.
func (s *Server) MountRoutes() chi.Router {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.router = chi.NewRouter()

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			"X-Remote-User", "X-Remote-Role", "X-Remote-Tenant", tenancy.TenantHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Operator surface. Identity resolution runs before tenancy: in
	// identity mode the tenant comes off the caller's credentials.
	s.router.Route(BasePath, func(r chi.Router) {
		r.Use(authz.IdentityMiddleware(s.jwtExtractor))
		r.Use(tenancy.NewMiddleware(s.cfg.TenancyMode))
		r.Use(audit.Middleware(s.auditStore, s.cfg.Audit, s.logger))

		r.Mount("/commands", command.Router(s.commands))
		r.Mount("/devices", fleet.Router(s.registrar))
		r.Mount("/audit", audit.Router(s.auditStore, s.cfg.Audit))
		// Credential routes live at the surface root: /miners/{id}/...
		// and /sites/{id}/batch-migrate.
		r.Mount("/", vault.Router(s.vault))
	})

	// Edge surface. No operator identity; devices authenticate with their
	// bearer tokens, except registration which the enroll secret gates.
	s.router.Route(BasePath+"/edge", func(r chi.Router) {
		r.Use(ratelimit.Middleware(s.edgeLimiter, edgeRateKey))
		r.Post("/register", fleet.RegisterDeviceHandler(s.registrar))
		r.Group(func(r chi.Router) {
			r.Use(fleet.DeviceAuthMiddleware(s.fleetStore))
			r.Post("/credential", vault.DeviceCredentialHandler(s.vault))
			r.Mount("/", dispatch.Router(s.dispatcher, s.acks, s.commandStore, s.vault))
		})
	})

	s.router.Get("/healthz", s.healthHandler)
	s.router.Get("/livez", s.healthHandler)
	s.router.Get("/readyz", s.readyHandler)

	return s.router
}

// Start launches the background loops. They stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	if s.leaderElector != nil {
		go s.leaderElector.Run(ctx)
	}
	go s.sweeper.Run(ctx)
	if s.watcher != nil {
		s.watcher.Start(ctx)
	}
}

// Stop releases resources that outlive the request path.
func (s *Server) Stop(ctx context.Context) error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	return nil
}

// Router returns the mounted router.
func (s *Server) Router() chi.Router {
	return s.router
}

// healthHandler reports process liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler checks database connectivity and initialization. Leader
// status is reported but does not gate readiness: followers serve traffic.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	initDone := s.initDone
	s.mu.RUnlock()

	allReady := true

	dbStatus := map[string]string{"status": "up"}
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus["status"] = "down"
		dbStatus["error"] = err.Error()
		allReady = false
	} else if err := sqlDB.Ping(); err != nil {
		dbStatus["status"] = "down"
		dbStatus["error"] = err.Error()
		allReady = false
	}

	initStatus := map[string]string{"status": "complete"}
	if !initDone {
		initStatus["status"] = "pending"
		allReady = false
	}

	leaderStatus := map[string]string{"status": "not_configured"}
	if s.leaderElector != nil {
		if s.leaderElector.IsLeader() {
			leaderStatus["status"] = "leader"
		} else {
			leaderStatus["status"] = "follower"
		}
	}

	status := "ready"
	code := http.StatusOK
	if !allReady {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"components": map[string]any{
			"database":        dbStatus,
			"initial_load":    initStatus,
			"leader_election": leaderStatus,
		},
	})
}

// edgeRateKey buckets edge requests by the device ID prefix of the bearer
// token, before authentication. Requests without one share per-host
// buckets so unauthenticated probes cannot exhaust a real device's budget.
func edgeRateKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if _, token, ok := strings.Cut(auth, " "); ok {
		if deviceID, _, ok := strings.Cut(strings.TrimSpace(token), "."); ok && deviceID != "" {
			return deviceID
		}
	}
	return ratelimit.ByRemoteHost(r)
}
