package server

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jacksonlee411/dirsync/internal/routing"
	"github.com/jacksonlee411/dirsync/pkg/authz"
)

func LoadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("DIRSYNC_AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := findUp("config/access/model.conf")
		if err != nil {
			return nil, err
		}
		modelPath = p
	}

	policyPath := os.Getenv("DIRSYNC_AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := findUp("config/access/policy.csv")
		if err != nil {
			return nil, err
		}
		policyPath = p
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}

	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func findUp(path string) (string, error) {
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: " + filepath.Base(path) + " not found")
}

type authorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

// withAuthz checks the allowlisted action of the route being served against
// the caller's role in the resolved company.
func withAuthz(a authorizer, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := routing.RouteFromContext(r.Context())
		if !ok || route.Action == "" {
			next.ServeHTTP(w, r)
			return
		}

		company, ok := currentCompany(r.Context())
		if !ok {
			routing.WriteError(w, r, http.StatusInternalServerError, "company_missing", "company missing")
			return
		}

		role := authz.RoleAnonymous
		if p, ok := currentPrincipal(r.Context()); ok {
			role = p.Role
		}

		subject := authz.SubjectFromRole(role)
		domain := authz.DomainFromCompanyID(company.ID)
		allowed, enforced, err := a.Authorize(subject, domain, authz.ObjectDirectorySync, route.Action)
		if err != nil {
			routing.WriteError(w, r, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if !allowed && !enforced {
			logger.WarnContext(r.Context(), "authz shadow deny", "subject", subject, "domain", domain, "action", route.Action, "path", route.Path)
		}
		if enforced && !allowed {
			routing.WriteError(w, r, http.StatusForbidden, "forbidden", "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}
