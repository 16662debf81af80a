package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/ports"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

type Deprovisioner struct {
	store  ports.DirectoryStore
	policy ports.PrivilegePolicy
	logger *slog.Logger
}

func NewDeprovisioner(store ports.DirectoryStore, policy ports.PrivilegePolicy, logger *slog.Logger) Deprovisioner {
	return Deprovisioner{store: store, policy: policy, logger: orDiscard(logger)}
}

// Run deactivates every provider-linked member this run did not observe.
// Privileged members are never touched; a policy that cannot decide keeps
// the member active. Members of a department whose listing failed this run
// were simply not seen, so they are kept too.
func (d Deprovisioner) Run(ctx context.Context, sc *SyncContext) error {
	members, err := d.store.ListMembers(ctx, sc.CompanyID, sc.Provider)
	if err != nil {
		return err
	}
	degraded, err := d.degradedNodeIDs(ctx, sc)
	if err != nil {
		return err
	}
	kept := 0
	for _, m := range members {
		if sc.Observed(m.ExternalID) {
			continue
		}
		if !m.Active && m.PrimaryDepartmentID == nil {
			continue
		}
		unlisted, err := d.inDegraded(ctx, sc, m, degraded)
		if err != nil {
			return err
		}
		if unlisted {
			kept++
			d.logger.Warn("member kept active: department listing degraded", "run_id", sc.RunID, "member_id", m.ID, "external_id", m.ExternalID)
			continue
		}
		protected, err := d.privileged(m)
		if err != nil {
			sc.Warn(fmt.Errorf("privilege check for %s: %w", m.ExternalID, err))
			continue
		}
		if protected {
			d.logger.Info("privileged member kept active", "run_id", sc.RunID, "member_id", m.ID, "external_id", m.ExternalID)
			continue
		}

		if err := d.store.DeactivateMember(ctx, sc.CompanyID, m.ID); err != nil {
			return err
		}
		if _, err := d.store.ReleaseManagerReferences(ctx, sc.CompanyID, m.ID); err != nil {
			return err
		}
		sc.Counts.Deactivated++
		d.logger.Info("member deactivated", "run_id", sc.RunID, "member_id", m.ID, "external_id", m.ExternalID)
	}
	if kept > 0 {
		sc.Warn(fmt.Errorf("deprovisioning skipped for %d members of degraded departments %s", kept, strings.Join(sc.DegradedDepartments(), ",")))
	}
	return nil
}

func (d Deprovisioner) degradedNodeIDs(ctx context.Context, sc *SyncContext) (map[string]struct{}, error) {
	exts := sc.DegradedDepartments()
	if len(exts) == 0 {
		return nil, nil
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		n, ok := sc.node(ext)
		if !ok {
			found, exists, err := d.store.FindNodeByExternalID(ctx, sc.CompanyID, sc.Provider, ext)
			if err != nil {
				return nil, err
			}
			if !exists {
				continue
			}
			n = found
		}
		out[n.ID] = struct{}{}
	}
	return out, nil
}

func (d Deprovisioner) inDegraded(ctx context.Context, sc *SyncContext, m types.DirectoryMember, degraded map[string]struct{}) (bool, error) {
	if len(degraded) == 0 {
		return false, nil
	}
	if m.PrimaryDepartmentID != nil {
		if _, ok := degraded[*m.PrimaryDepartmentID]; ok {
			return true, nil
		}
	}
	recs, err := d.store.ListMemberships(ctx, sc.CompanyID, m.ID)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if _, ok := degraded[rec.DepartmentID]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (d Deprovisioner) privileged(m types.DirectoryMember) (bool, error) {
	if m.Privileged {
		return true, nil
	}
	if d.policy == nil {
		return false, nil
	}
	return d.policy.IsPrivileged(m)
}
