package services

import (
	"context"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/ports"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

const (
	DefaultRunLogLimit = 20
	MaxRunLogLimit     = 100
)

// DirectoryQueries serves the read side: run history and directory stats.
type DirectoryQueries struct {
	store    ports.DirectoryStore
	runs     ports.SyncRunStore
	registry ports.AdapterRegistry
}

func NewDirectoryQueries(store ports.DirectoryStore, runs ports.SyncRunStore, registry ports.AdapterRegistry) *DirectoryQueries {
	return &DirectoryQueries{store: store, runs: runs, registry: registry}
}

func (q *DirectoryQueries) ListRuns(ctx context.Context, companyID string, provider types.Provider, limit int) ([]types.SyncRun, error) {
	if limit <= 0 {
		limit = DefaultRunLogLimit
	}
	if limit > MaxRunLogLimit {
		limit = MaxRunLogLimit
	}
	return q.runs.ListRuns(ctx, companyID, provider, limit)
}

func (q *DirectoryQueries) Stats(ctx context.Context, companyID string) (types.DirectoryStats, error) {
	stats, err := q.store.Stats(ctx, companyID)
	if err != nil {
		return types.DirectoryStats{}, err
	}
	last, err := q.runs.LastSuccessfulRun(ctx, companyID, "")
	if err != nil {
		return types.DirectoryStats{}, err
	}
	stats.LastSuccessfulRun = last
	stats.EnabledProviders = []types.Provider{}
	if q.registry != nil {
		stats.EnabledProviders = append(stats.EnabledProviders, q.registry.EnabledProviders(companyID)...)
	}
	return stats, nil
}

// TestConnection fetches a credential and the department listing without
// writing anything.
func (q *DirectoryQueries) TestConnection(ctx context.Context, companyID string, provider types.Provider, policy RetryPolicy) (int, error) {
	adapter, ok := q.registry.Adapter(companyID, provider)
	if !ok {
		return 0, types.ErrProviderNotConfigured
	}
	policy.MaxRetries = 0
	logger := orDiscard(nil)
	if err := callUpstream(ctx, policy, logger, "get_credential", func(ctx context.Context) error {
		_, _, err := adapter.GetCredential(ctx)
		return err
	}); err != nil {
		return 0, err
	}
	var depts []types.RemoteDepartment
	if err := callUpstream(ctx, policy, logger, "list_departments", func(ctx context.Context) error {
		var err error
		depts, err = adapter.ListDepartments(ctx)
		return err
	}); err != nil {
		return 0, err
	}
	return len(depts), nil
}
