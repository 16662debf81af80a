package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/ports"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
	"github.com/jacksonlee411/dirsync/pkg/uuidv7"
)

type OrchestratorOptions struct {
	Registry ports.AdapterRegistry
	Store    ports.DirectoryStore
	Runs     ports.SyncRunStore
	Locker   ports.RunLocker
	Roles    ports.RoleAssigner
	Policy   ports.PrivilegePolicy
	Retry    RetryPolicy
	Logger   *slog.Logger
	Now      func() time.Time
}

// Orchestrator drives one sync run end to end: lock, audit record, upstream
// reads, the reconcile passes and finalization.
type Orchestrator struct {
	registry ports.AdapterRegistry
	store    ports.DirectoryStore
	runs     ports.SyncRunStore
	locker   ports.RunLocker
	roles    ports.RoleAssigner
	retry    RetryPolicy
	logger   *slog.Logger
	now      func() time.Time

	tree       TreeReconciler
	membership MembershipReconciler
	deprov     Deprovisioner
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	logger := orDiscard(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		registry:   opts.Registry,
		store:      opts.Store,
		runs:       opts.Runs,
		locker:     opts.Locker,
		roles:      opts.Roles,
		retry:      opts.Retry.normalized(),
		logger:     logger,
		now:        now,
		tree:       NewTreeReconciler(opts.Store, logger),
		membership: NewMembershipReconciler(opts.Store, logger),
		deprov:     NewDeprovisioner(opts.Store, opts.Policy, logger),
	}
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger
}

var allowedTransitions = map[types.SyncStatus][]types.SyncStatus{
	types.SyncStatusPending: {types.SyncStatusRunning},
	types.SyncStatusRunning: {types.SyncStatusSuccess, types.SyncStatusFailed},
}

func advance(run *types.SyncRun, to types.SyncStatus) error {
	for _, next := range allowedTransitions[run.Status] {
		if next == to {
			run.Status = to
			return nil
		}
	}
	return fmt.Errorf("invalid sync run transition %s -> %s", run.Status, to)
}

// Run executes a sync for one company/provider. The returned run is the
// finalized audit record whenever one was created, also on error.
func (o *Orchestrator) Run(ctx context.Context, companyID string, opts types.SyncOptions) (types.SyncRun, error) {
	if opts.SyncType == "" {
		opts.SyncType = types.SyncTypeFull
	}
	adapter, ok := o.registry.Adapter(companyID, opts.Provider)
	if !ok {
		o.logger.Warn("sync rejected", "company_id", companyID, "provider", opts.Provider, "err", types.ErrProviderNotConfigured)
		return types.SyncRun{}, types.ErrProviderNotConfigured
	}

	release, locked, err := o.locker.TryLock(ctx, companyID, opts.Provider)
	if err != nil {
		return types.SyncRun{}, err
	}
	if !locked {
		o.logger.Warn("sync rejected", "company_id", companyID, "provider", opts.Provider, "err", types.ErrSyncAlreadyRunning)
		return types.SyncRun{}, types.ErrSyncAlreadyRunning
	}
	defer release()

	runID, err := uuidv7.Generator{Now: o.now}.NewString()
	if err != nil {
		return types.SyncRun{}, err
	}
	snapshot, err := json.Marshal(opts)
	if err != nil {
		return types.SyncRun{}, err
	}
	run := types.SyncRun{
		ID:              runID,
		CompanyID:       companyID,
		Provider:        opts.Provider,
		SyncType:        opts.SyncType,
		Status:          types.SyncStatusPending,
		StartedAt:       o.now().UTC(),
		OptionsSnapshot: snapshot,
	}
	if err := advance(&run, types.SyncStatusRunning); err != nil {
		return run, err
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		return run, err
	}

	logger := o.logger.With("run_id", run.ID, "company_id", companyID, "provider", opts.Provider)
	logger.Info("sync started", "sync_type", opts.SyncType, "clear_existing", opts.ClearExisting)

	sc := NewSyncContext(run.ID, companyID, opts)
	sc.ScopeRootExternalID = strings.TrimSpace(adapter.RootDepartmentID())

	runErr := o.execute(ctx, sc, adapter)
	if runErr != nil && ctx.Err() != nil {
		runErr = types.ErrRunCancelled
	}

	// Finalization must land even when the caller's context is gone.
	finalCtx := context.WithoutCancel(ctx)
	if runErr == nil && o.roles != nil {
		stats, err := o.roles.SyncMemberRoles(finalCtx, companyID)
		// Grants applied before a failure still count.
		sc.Counts.RolesGranted = stats.Granted
		sc.Counts.RolesRevoked = stats.Revoked
		if err != nil {
			roleErr := &types.DownstreamRoleAssignmentError{Err: err}
			logger.Error("role assignment failed", "err", roleErr)
			sc.Warn(roleErr)
		}
	}

	run.Counts = sc.Counts
	completed := o.now().UTC()
	run.CompletedAt = &completed
	switch {
	case runErr == nil:
		_ = advance(&run, types.SyncStatusSuccess)
		run.ErrorDetail = sc.warningDetail()
	case errors.Is(runErr, types.ErrRunCancelled):
		_ = advance(&run, types.SyncStatusFailed)
		run.ErrorDetail = types.ErrRunCancelled.Error()
	default:
		_ = advance(&run, types.SyncStatusFailed)
		run.ErrorDetail = runErr.Error()
		if w := sc.warningDetail(); w != "" {
			run.ErrorDetail += "\n" + w
		}
	}

	if err := o.runs.FinalizeRun(finalCtx, run); err != nil {
		logger.Error("sync run finalize failed", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		logger.Error("sync failed", "err", runErr, "counts", run.Counts)
		return run, runErr
	}
	logger.Info("sync finished",
		"departments", run.Counts.Departments,
		"users", run.Counts.Users,
		"managers", run.Counts.Managers,
		"orphans_removed", run.Counts.OrphansRemoved,
		"deactivated", run.Counts.Deactivated,
		"warnings", run.Counts.Warnings,
	)
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, sc *SyncContext, adapter ports.ProviderAdapter) error {
	opts := sc.Options

	if err := callUpstream(ctx, o.retry, o.logger, "get_credential", func(ctx context.Context) error {
		_, _, err := adapter.GetCredential(ctx)
		return err
	}); err != nil {
		return err
	}

	if opts.ClearExisting {
		if err := o.clearExisting(ctx, sc); err != nil {
			return err
		}
	}

	if !opts.SyncDepartments && !opts.SyncUsers {
		return nil
	}

	var remote []types.RemoteDepartment
	if err := callUpstream(ctx, o.retry, o.logger, "list_departments", func(ctx context.Context) error {
		var err error
		remote, err = adapter.ListDepartments(ctx)
		return err
	}); err != nil {
		return err
	}

	if opts.SyncDepartments {
		if err := o.tree.Reconcile(ctx, sc, remote); err != nil {
			return err
		}
	}
	if !opts.SyncUsers {
		return nil
	}

	for _, d := range remote {
		if err := ctx.Err(); err != nil {
			return types.ErrRunCancelled
		}
		deptID := strings.TrimSpace(d.ExternalID)
		if deptID == "" {
			continue
		}

		var users []types.RemoteUser
		err := callUpstream(ctx, o.retry, o.logger, "list_users", func(ctx context.Context) error {
			var err error
			users, err = adapter.ListUsersByDepartment(ctx, deptID)
			return err
		})
		if err != nil {
			if types.IsUpstreamValidation(err) {
				sc.Warn(err)
				sc.markDegraded(deptID)
				continue
			}
			return err
		}

		for _, u := range users {
			if err := o.membership.ReconcileUser(ctx, sc, u); err != nil {
				if types.IsUpstreamValidation(err) {
					sc.Warn(err)
					continue
				}
				return err
			}
		}
	}

	if !opts.Full() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return types.ErrRunCancelled
	}
	return o.deprov.Run(ctx, sc)
}

// clearExisting wipes the provider's nodes and non-privileged members before
// the fresh import.
func (o *Orchestrator) clearExisting(ctx context.Context, sc *SyncContext) error {
	members, err := o.store.ListMembers(ctx, sc.CompanyID, sc.Provider)
	if err != nil {
		return err
	}
	var preserve []string
	for _, m := range members {
		protected, err := o.deprov.privileged(m)
		if err != nil || protected {
			preserve = append(preserve, m.ID)
		}
	}
	n, err := o.store.ClearProvider(ctx, sc.CompanyID, sc.Provider, preserve)
	if err != nil {
		return err
	}
	sc.Counts.Cleared = n
	o.logger.Warn("existing directory data cleared", "run_id", sc.RunID, "removed", n, "preserved", len(preserve))
	return nil
}
