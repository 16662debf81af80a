package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/jacksonlee411/dirsync/internal/config"
)

// CompanyResolver maps a request hostname to the company it serves.
type CompanyResolver interface {
	ResolveCompany(ctx context.Context, hostname string) (config.Company, bool, error)
}

type configCompanyResolver struct {
	cfg *config.Config
}

func NewConfigCompanyResolver(cfg *config.Config) CompanyResolver {
	return configCompanyResolver{cfg: cfg}
}

func (r configCompanyResolver) ResolveCompany(_ context.Context, hostname string) (config.Company, bool, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" || r.cfg == nil {
		return config.Company{}, false, nil
	}
	c, ok := r.cfg.CompanyByDomain(hostname)
	return c, ok, nil
}

// companyHostname is the hostname a request is routed to a company by.
// X-Forwarded-Host counts only with DIRSYNC_TRUST_PROXY=1, and only its first
// hop; ports and IPv6 brackets are dropped.
func companyHostname(r *http.Request) string {
	host := r.Host
	if os.Getenv("DIRSYNC_TRUST_PROXY") == "1" {
		fwd, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Host"), ",")
		if fwd = strings.TrimSpace(fwd); fwd != "" {
			host = fwd
		}
	}
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

type companyCtxKey struct{}

func withCompany(ctx context.Context, c config.Company) context.Context {
	return context.WithValue(ctx, companyCtxKey{}, c)
}

func currentCompany(ctx context.Context) (config.Company, bool) {
	c, ok := ctx.Value(companyCtxKey{}).(config.Company)
	return c, ok
}

// CurrentCompanyID is the controllers' view of the resolved company.
func CurrentCompanyID(ctx context.Context) (string, bool) {
	c, ok := currentCompany(ctx)
	if !ok || c.ID == "" {
		return "", false
	}
	return c.ID, true
}
