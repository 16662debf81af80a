package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jacksonlee411/dirsync/internal/config"
	"github.com/jacksonlee411/dirsync/internal/directoryproviders"
	"github.com/jacksonlee411/dirsync/internal/roleassign"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/ports"
	"github.com/jacksonlee411/dirsync/modules/directory/infrastructure/persistence"
	"github.com/jacksonlee411/dirsync/modules/directory/services"
)

type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StorePostgres StoreKind = "postgres"
)

type AppOptions struct {
	Store StoreKind
	// DatabaseURL defaults to config.DatabaseURL().
	DatabaseURL string
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Now         func() time.Time
}

// App wires the directory engine for one process: store, provider
// registry, role assignment and the orchestrator.
type App struct {
	Config       *config.Config
	Registry     *directoryproviders.Registry
	Orchestrator *services.Orchestrator
	Queries      *services.DirectoryQueries
	Logger       *slog.Logger

	close func()
}

type appStore interface {
	ports.DirectoryStore
	ports.SyncRunStore
	roleassign.Store
}

func NewApp(ctx context.Context, cfg *config.Config, opts AppOptions) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var (
		store  appStore
		locker ports.RunLocker
		closer = func() {}
	)
	switch opts.Store {
	case "", StoreMemory:
		store = persistence.NewMemoryStore()
		locker = persistence.NewMemoryLocker()
	case StorePostgres:
		dsn := opts.DatabaseURL
		if dsn == "" {
			dsn = config.DatabaseURL()
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("server: database unreachable: %w", err)
		}
		store = persistence.NewPGStore(pool)
		locker = persistence.NewPGAdvisoryLocker(pool)
		closer = pool.Close
	default:
		return nil, fmt.Errorf("server: unknown store %q (expected memory|postgres)", opts.Store)
	}

	registry, err := directoryproviders.NewRegistryFromConfig(cfg, opts.HTTPClient, opts.Now)
	if err != nil {
		closer()
		return nil, err
	}
	privileges, err := services.NewPrivilegeRules(cfg.Privileged.ExternalIDs, cfg.Privileged.Expression)
	if err != nil {
		closer()
		return nil, fmt.Errorf("server: privileged expression: %w", err)
	}
	rules := make([]roleassign.Rule, 0, len(cfg.RoleRules))
	for _, r := range cfg.RoleRules {
		rules = append(rules, roleassign.Rule{Role: r.Role, Expression: r.Expression})
	}
	roles, err := roleassign.New(store, rules, privileges, logger)
	if err != nil {
		closer()
		return nil, err
	}

	orch := services.NewOrchestrator(services.OrchestratorOptions{
		Registry: registry,
		Store:    store,
		Runs:     store,
		Locker:   locker,
		Roles:    roles,
		Policy:   privileges,
		Retry:    RetryPolicy(cfg.Sync),
		Logger:   logger,
		Now:      opts.Now,
	})

	return &App{
		Config:       cfg,
		Registry:     registry,
		Orchestrator: orch,
		Queries:      services.NewDirectoryQueries(store, store, registry),
		Logger:       logger,
		close:        closer,
	}, nil
}

func (a *App) Close() {
	if a.close != nil {
		a.close()
	}
}

func (a *App) Handler(authz authorizer, shutdown context.Context) (http.Handler, error) {
	return NewHandler(HandlerOptions{
		Config:     a.Config,
		Runner:     a.Orchestrator,
		Queries:    a.Queries,
		Authorizer: authz,
		Logger:     a.Logger,
		Shutdown:   shutdown,
	})
}
