package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/ports"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

type MembershipReconciler struct {
	store  ports.DirectoryStore
	logger *slog.Logger
}

func NewMembershipReconciler(store ports.DirectoryStore, logger *slog.Logger) MembershipReconciler {
	return MembershipReconciler{store: store, logger: orDiscard(logger)}
}

type resolvedDept struct {
	node   types.DirectoryNode
	order  int
	leader bool
}

// ReconcileUser upserts one remote user and rewrites their membership set.
// The first listing of a user in a run owns the profile and memberships;
// later listings only contribute leader flags.
// Returned validation errors are record-level; anything else aborts the run.
func (r MembershipReconciler) ReconcileUser(ctx context.Context, sc *SyncContext, u types.RemoteUser) error {
	u.ExternalID = strings.TrimSpace(u.ExternalID)
	if u.ExternalID == "" {
		return types.NewUpstreamValidationError(sc.Provider, "user", errors.New("user without external id skipped"))
	}
	if memberID, ok := sc.observedMember(u.ExternalID); ok {
		return r.applyRepeatLeadership(ctx, sc, memberID, u)
	}

	depts, err := r.resolveDepartments(ctx, sc, u)
	if err != nil {
		return err
	}

	existing, found, err := r.store.FindMember(ctx, sc.CompanyID, sc.Provider, u.ExternalID)
	if err != nil {
		return err
	}
	m := existing
	if !found {
		m = types.DirectoryMember{CompanyID: sc.CompanyID, Provider: sc.Provider, ExternalID: u.ExternalID}
	}
	m.DisplayName = strings.TrimSpace(u.Name)
	if m.DisplayName == "" {
		m.DisplayName = u.ExternalID
	}
	m.Phone = u.Phone
	m.Email = u.Email
	if u.Avatar != "" {
		m.AvatarURL = u.Avatar
	}
	m.Position = u.Position
	m.Active = true

	m.PrimaryDepartmentID = nil
	if len(depts) > 0 {
		primary := depts[0].node.ID
		m.PrimaryDepartmentID = &primary
		if depts[0].order != 0 {
			sc.Warn(types.NewUpstreamValidationError(sc.Provider, "user", fmt.Errorf("user %s: primary department %s unresolvable, promoted %s", u.ExternalID, firstOr(u.DepartmentExternalIDs), depts[0].node.ExternalIDValue())))
		}
	}
	if m.AssetOwningDepartmentID == nil && m.PrimaryDepartmentID != nil {
		asset := *m.PrimaryDepartmentID
		m.AssetOwningDepartmentID = &asset
	}

	stored, _, err := r.store.UpsertMember(ctx, m)
	if err != nil {
		return err
	}
	sc.observe(u.ExternalID, stored.ID)
	sc.Counts.Users++

	keep := make([]string, 0, len(depts))
	for i, d := range depts {
		rec := types.MembershipRecord{
			UserID:        stored.ID,
			DepartmentID:  d.node.ID,
			IsPrimary:     i == 0,
			IsLeader:      d.leader,
			PositionLabel: u.Position,
			RemoteOrder:   d.order,
		}
		if err := r.store.UpsertMembership(ctx, sc.CompanyID, rec); err != nil {
			return err
		}
		keep = append(keep, d.node.ID)
		sc.Counts.Memberships++
	}

	if _, err := r.store.DeleteMembershipsExcept(ctx, sc.CompanyID, stored.ID, keep); err != nil {
		return err
	}

	if !sc.Options.SyncManagers {
		return nil
	}
	for _, d := range depts {
		if !d.leader {
			continue
		}
		if err := r.claimManager(ctx, sc, d.node, stored.ID); err != nil {
			return err
		}
	}
	return nil
}

// applyRepeatLeadership folds leader flags from a later listing of a user
// already handled in this run. DingTalk only flags leadership for the
// department being listed, so a user leading their second department is
// first seen with every flag false.
func (r MembershipReconciler) applyRepeatLeadership(ctx context.Context, sc *SyncContext, memberID string, u types.RemoteUser) error {
	var leads []string
	for i, raw := range u.DepartmentExternalIDs {
		if u.IsLeaderAt(i) {
			leads = append(leads, strings.TrimSpace(raw))
		}
	}
	if len(leads) == 0 {
		return nil
	}

	recs, err := r.store.ListMemberships(ctx, sc.CompanyID, memberID)
	if err != nil {
		return err
	}
	byDept := make(map[string]types.MembershipRecord, len(recs))
	for _, rec := range recs {
		byDept[rec.DepartmentID] = rec
	}

	for _, ext := range leads {
		n, ok := sc.node(ext)
		if !ok {
			continue
		}
		rec, ok := byDept[n.ID]
		if !ok {
			continue
		}
		if !rec.IsLeader {
			rec.IsLeader = true
			if err := r.store.UpsertMembership(ctx, sc.CompanyID, rec); err != nil {
				return err
			}
			byDept[n.ID] = rec
		}
		if !sc.Options.SyncManagers {
			continue
		}
		if n.ManagerUserID != nil && *n.ManagerUserID == memberID {
			continue
		}
		if err := r.claimManager(ctx, sc, n, memberID); err != nil {
			return err
		}
	}
	return nil
}

// claimManager makes memberID the department's manager. Last write wins when
// several users claim the same department.
func (r MembershipReconciler) claimManager(ctx context.Context, sc *SyncContext, node types.DirectoryNode, memberID string) error {
	if err := r.store.SetNodeManager(ctx, sc.CompanyID, node.ID, &memberID); err != nil {
		return err
	}
	sc.Counts.Managers++
	if ext := node.ExternalIDValue(); ext != "" {
		id := memberID
		node.ManagerUserID = &id
		sc.rememberNode(ext, node)
	}
	return nil
}

func (r MembershipReconciler) resolveDepartments(ctx context.Context, sc *SyncContext, u types.RemoteUser) ([]resolvedDept, error) {
	out := make([]resolvedDept, 0, len(u.DepartmentExternalIDs))
	seen := make(map[string]struct{}, len(u.DepartmentExternalIDs))
	for i, raw := range u.DepartmentExternalIDs {
		ext := strings.TrimSpace(raw)
		if ext == "" {
			continue
		}
		n, ok := sc.node(ext)
		if !ok {
			found, exists, err := r.store.FindNodeByExternalID(ctx, sc.CompanyID, sc.Provider, ext)
			if err != nil {
				return nil, err
			}
			if !exists {
				sc.Warn(types.NewUpstreamValidationError(sc.Provider, "user", fmt.Errorf("user %s: department %s not found", u.ExternalID, ext)))
				continue
			}
			n = found
			sc.rememberNode(ext, n)
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		out = append(out, resolvedDept{node: n, order: i, leader: u.IsLeaderAt(i)})
	}
	return out, nil
}

func firstOr(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}
