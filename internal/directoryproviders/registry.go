package directoryproviders

import (
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jacksonlee411/dirsync/internal/config"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/ports"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

type registryKey struct {
	companyID string
	provider  types.Provider
}

// Registry selects the adapter for a (company, provider) pair. Disabled
// providers are not registered, so lookups for them miss.
type Registry struct {
	mu       sync.RWMutex
	adapters map[registryKey]ports.ProviderAdapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[registryKey]ports.ProviderAdapter)}
}

// NewRegistryFromConfig builds one adapter per enabled provider entry.
func NewRegistryFromConfig(cfg *config.Config, hc *http.Client, now func() time.Time) (*Registry, error) {
	r := NewRegistry()
	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		a, err := New(p.Provider, Options{
			ClientID:         p.ClientID(),
			Secret:           p.AppSecret,
			RootDepartmentID: p.RootDepartmentID,
			BaseURL:          p.BaseURL,
			HTTPClient:       hc,
			Now:              now,
		})
		if err != nil {
			return nil, fmt.Errorf("company %s: %w", p.CompanyID, err)
		}
		r.Register(p.CompanyID, a)
	}
	return r, nil
}

func (r *Registry) Register(companyID string, a ports.ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[registryKey{companyID: companyID, provider: a.Provider()}] = a
}

func (r *Registry) Adapter(companyID string, provider types.Provider) (ports.ProviderAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[registryKey{companyID: companyID, provider: provider}]
	return a, ok
}

func (r *Registry) EnabledProviders(companyID string) []types.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []types.Provider{}
	for k := range r.adapters {
		if k.companyID == companyID {
			out = append(out, k.provider)
		}
	}
	slices.Sort(out)
	return out
}
