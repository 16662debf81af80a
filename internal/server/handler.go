package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jacksonlee411/dirsync/internal/config"
	"github.com/jacksonlee411/dirsync/internal/routing"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
	"github.com/jacksonlee411/dirsync/modules/directory/presentation/controllers"
	"github.com/jacksonlee411/dirsync/modules/directory/services"
)

type HandlerOptions struct {
	Config     *config.Config
	Runner     controllers.SyncRunner
	Queries    controllers.DirectoryReader
	Authorizer authorizer
	Companies  CompanyResolver
	// Allowlist overrides the allowlist compiled into the binary.
	Allowlist *routing.Allowlist
	Logger    *slog.Logger
	// Shutdown cancels in-flight sync runs started over HTTP.
	Shutdown context.Context
}

func NewHandler(opts HandlerOptions) (http.Handler, error) {
	if opts.Config == nil || opts.Runner == nil || opts.Queries == nil || opts.Authorizer == nil {
		return nil, errors.New("server: config, runner, queries and authorizer are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	companies := opts.Companies
	if companies == nil {
		companies = NewConfigCompanyResolver(opts.Config)
	}

	a, err := loadAllowlist(opts.Allowlist)
	if err != nil {
		return nil, err
	}
	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	cfg := opts.Config
	syncAPI := controllers.SyncController{
		CompanyID: CurrentCompanyID,
		Runner:    opts.Runner,
		Queries:   opts.Queries,
		Retry:     RetryPolicy(cfg.Sync),
		Defaults: func(companyID string, provider types.Provider) types.SyncOptions {
			if p, ok := cfg.Provider(companyID, provider); ok {
				return p.DefaultOptions()
			}
			return types.DefaultSyncOptions(provider)
		},
		Shutdown: opts.Shutdown,
	}

	router := routing.NewRouter(classifier, logger)
	guard := func(h http.HandlerFunc) http.Handler { return withAuthz(opts.Authorizer, logger, h) }
	for _, r := range []struct {
		method string
		path   string
		h      http.Handler
	}{
		{http.MethodGet, "/healthz", http.HandlerFunc(handleHealthz)},
		{http.MethodPost, "/sync", guard(syncAPI.HandleSync)},
		{http.MethodPost, "/sync/test-connection", guard(syncAPI.HandleTestConnection)},
		{http.MethodGet, "/sync-logs", guard(syncAPI.HandleSyncLogs)},
		{http.MethodGet, "/sync-stats", guard(syncAPI.HandleSyncStats)},
	} {
		if err := router.Handle(r.method, r.path, r.h); err != nil {
			return nil, err
		}
	}
	if missing := router.Unmounted(); len(missing) > 0 {
		return nil, errors.New("server: allowlisted routes without handler: " + missing[0])
	}

	guarded := withCompanyAndPrincipal(classifier, companies, newTokenPrincipals(cfg.APITokens), router)
	return withRequestLog(logger, guarded), nil
}

func loadAllowlist(override *routing.Allowlist) (routing.Allowlist, error) {
	if override != nil {
		return *override, nil
	}
	if p := os.Getenv("DIRSYNC_ALLOWLIST_PATH"); p != "" {
		return routing.LoadAllowlist(p)
	}
	return routing.DefaultAllowlist()
}

// RetryPolicy converts the sync section of the config.
func RetryPolicy(s config.Sync) services.RetryPolicy {
	p := services.DefaultRetryPolicy()
	if s.MaxRetries != nil {
		p.MaxRetries = *s.MaxRetries
	}
	if d := s.RetryDelay.Std(); d > 0 {
		p.Delay = d
	}
	if d := s.CallTimeout.Std(); d > 0 {
		p.CallTimeout = d
	}
	return p
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

func withCompanyAndPrincipal(classifier *routing.Classifier, companies CompanyResolver, principals tokenPrincipals, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if classifier.Classify(r.URL.Path) == routing.RouteClassOps {
			next.ServeHTTP(w, r)
			return
		}

		c, ok, err := companies.ResolveCompany(r.Context(), companyHostname(r))
		if err != nil {
			routing.WriteError(w, r, http.StatusInternalServerError, "company_resolve_error", "company resolve error")
			return
		}
		if !ok {
			routing.WriteError(w, r, http.StatusNotFound, "company_not_found", "company not found")
			return
		}
		ctx := withCompany(r.Context(), c)

		token, ok := bearerToken(r)
		if !ok {
			routing.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		p, ok := principals.Lookup(token)
		if !ok {
			routing.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "unknown token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(ctx, p)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func withRequestLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []any{"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start)}
		if traceID := routing.TraceID(r); traceID != "" {
			attrs = append(attrs, "trace_id", traceID)
		}
		logger.InfoContext(r.Context(), "http request", attrs...)
	})
}
