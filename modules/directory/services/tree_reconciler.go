package services

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/ports"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

type TreeReconciler struct {
	store  ports.DirectoryStore
	logger *slog.Logger
}

func NewTreeReconciler(store ports.DirectoryStore, logger *slog.Logger) TreeReconciler {
	return TreeReconciler{store: store, logger: orDiscard(logger)}
}

// Reconcile mirrors a flat remote department listing into the local tree.
// Input order is irrelevant: nodes are upserted first and wired second.
func (r TreeReconciler) Reconcile(ctx context.Context, sc *SyncContext, remote []types.RemoteDepartment) error {
	depts := r.validDepartments(sc, remote)

	for _, d := range depts {
		n, _, err := r.store.UpsertNode(ctx, sc.CompanyID, sc.Provider, d.ExternalID, d.Name, d.Order)
		if err != nil {
			return err
		}
		sc.rememberNode(d.ExternalID, n)
		sc.Counts.Departments++
	}

	if err := r.wireParents(ctx, sc, depts); err != nil {
		return err
	}

	if sc.Options.Full() {
		remoteIDs := make(map[string]struct{}, len(depts))
		for _, d := range depts {
			remoteIDs[d.ExternalID] = struct{}{}
		}
		if err := r.removeOrphans(ctx, sc, remoteIDs); err != nil {
			return err
		}
	}

	return r.repair(ctx, sc)
}

func (r TreeReconciler) validDepartments(sc *SyncContext, remote []types.RemoteDepartment) []types.RemoteDepartment {
	out := make([]types.RemoteDepartment, 0, len(remote))
	seen := make(map[string]int, len(remote))
	for _, d := range remote {
		d.ExternalID = strings.TrimSpace(d.ExternalID)
		d.ParentExternalID = strings.TrimSpace(d.ParentExternalID)
		d.Name = strings.TrimSpace(d.Name)
		if d.ExternalID == "" {
			sc.Warn(types.NewUpstreamValidationError(sc.Provider, "department", errors.New("department without external id skipped")))
			continue
		}
		if d.Name == "" {
			d.Name = d.ExternalID
		}
		if i, ok := seen[d.ExternalID]; ok {
			out[i] = d
			continue
		}
		seen[d.ExternalID] = len(out)
		out = append(out, d)
	}
	return out
}

func (r TreeReconciler) syntheticRoot(ctx context.Context, sc *SyncContext) (types.DirectoryNode, error) {
	if sc.syntheticRoot != nil {
		return *sc.syntheticRoot, nil
	}
	root, err := r.store.EnsureSyntheticRoot(ctx, sc.CompanyID)
	if err != nil {
		return types.DirectoryNode{}, err
	}
	sc.syntheticRoot = &root
	return root, nil
}

func (r TreeReconciler) resolveParent(ctx context.Context, sc *SyncContext, d types.RemoteDepartment) (*string, error) {
	if d.ParentExternalID == "" {
		return nil, nil
	}
	if d.ParentExternalID == d.ExternalID {
		return nil, &types.TreeIntegrityError{ExternalID: d.ExternalID, ParentExternalID: d.ParentExternalID, Reason: "department is its own parent"}
	}
	if p, ok := sc.node(d.ParentExternalID); ok {
		return &p.ID, nil
	}
	p, ok, err := r.store.FindNodeByExternalID(ctx, sc.CompanyID, sc.Provider, d.ParentExternalID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.TreeIntegrityError{ExternalID: d.ExternalID, ParentExternalID: d.ParentExternalID, Reason: "parent not found"}
	}
	return &p.ID, nil
}

func (r TreeReconciler) wireParents(ctx context.Context, sc *SyncContext, depts []types.RemoteDepartment) error {
	nodes, err := r.store.ListNodes(ctx, sc.CompanyID)
	if err != nil {
		return err
	}
	parents := make(map[string]*string, len(nodes))
	for _, n := range nodes {
		parents[n.ID] = n.ParentID
	}

	for _, d := range depts {
		n, ok := sc.node(d.ExternalID)
		if !ok {
			continue
		}

		want, err := r.resolveParent(ctx, sc, d)
		if err != nil && !types.IsTreeIntegrity(err) {
			return err
		}
		if err == nil && want != nil && wouldCycle(parents, n.ID, *want) {
			err = &types.TreeIntegrityError{ExternalID: d.ExternalID, ParentExternalID: d.ParentExternalID, Reason: "parent would create a cycle"}
		}
		if err != nil {
			sc.Warn(err)
			r.logger.Warn("department attached to synthetic root", "run_id", sc.RunID, "external_id", d.ExternalID, "err", err)
			root, rerr := r.syntheticRoot(ctx, sc)
			if rerr != nil {
				return rerr
			}
			want = &root.ID
		}

		if sameID(n.ParentID, want) {
			continue
		}
		if err := r.store.SetNodeParent(ctx, sc.CompanyID, n.ID, want); err != nil {
			return err
		}
		n.ParentID = want
		sc.rememberNode(d.ExternalID, n)
		parents[n.ID] = want
	}
	return nil
}

func wouldCycle(parents map[string]*string, nodeID string, parentID string) bool {
	cur := parentID
	for range len(parents) + 1 {
		if cur == nodeID {
			return true
		}
		p, ok := parents[cur]
		if !ok || p == nil {
			return false
		}
		cur = *p
	}
	return true
}

func sameID(a *string, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// removeOrphans deletes locally known provider departments absent from a full
// snapshot. Children and bound members move to the orphan's parent; orphans
// are handled deepest first so a reassignment target is never deleted later
// in the same pass without its own dependents being moved again.
func (r TreeReconciler) removeOrphans(ctx context.Context, sc *SyncContext, remoteIDs map[string]struct{}) error {
	nodes, err := r.store.ListNodes(ctx, sc.CompanyID)
	if err != nil {
		return err
	}
	byID := make(map[string]types.DirectoryNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	scopeNodeID := ""
	if sc.ScopeRootExternalID != "" {
		if n, ok := sc.node(sc.ScopeRootExternalID); ok {
			scopeNodeID = n.ID
		}
	}

	var orphans []types.DirectoryNode
	for _, n := range nodes {
		if n.Provider != sc.Provider || n.ExternalID == nil {
			continue
		}
		if _, ok := remoteIDs[*n.ExternalID]; ok {
			continue
		}
		if sc.ScopeRootExternalID != "" && (scopeNodeID == "" || !strings.Contains(n.Path, "/"+scopeNodeID+"/")) {
			continue
		}
		orphans = append(orphans, n)
	}
	if len(orphans) == 0 {
		return nil
	}

	depth := func(id string) int {
		d := 0
		cur := byID[id].ParentID
		for cur != nil && d <= len(byID) {
			d++
			p, ok := byID[*cur]
			if !ok {
				break
			}
			cur = p.ParentID
		}
		return d
	}
	sort.SliceStable(orphans, func(i, j int) bool {
		di, dj := depth(orphans[i].ID), depth(orphans[j].ID)
		if di != dj {
			return di > dj
		}
		return orphans[i].ID < orphans[j].ID
	})

	for _, o := range orphans {
		target := byID[o.ID].ParentID

		if _, err := r.store.ReparentChildren(ctx, sc.CompanyID, o.ID, target); err != nil {
			return err
		}
		for id, n := range byID {
			if n.ParentID != nil && *n.ParentID == o.ID {
				n.ParentID = target
				byID[id] = n
			}
		}
		if _, err := r.store.ReassignMemberDepartments(ctx, sc.CompanyID, o.ID, target); err != nil {
			return err
		}
		if err := r.store.DeleteNode(ctx, sc.CompanyID, o.ID); err != nil {
			return err
		}
		delete(byID, o.ID)
		sc.forgetNodeID(o.ID)
		sc.Counts.OrphansRemoved++
		r.logger.Info("orphan department removed", "run_id", sc.RunID, "node_id", o.ID, "external_id", o.ExternalIDValue())
	}
	return nil
}

func (r TreeReconciler) repair(ctx context.Context, sc *SyncContext) error {
	issues, err := RepairTree(ctx, r.store, sc.CompanyID)
	for _, issue := range issues {
		sc.Warn(issue)
	}
	if err != nil {
		return err
	}
	nodes, err := r.store.ListNodes(ctx, sc.CompanyID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.Provider == sc.Provider && n.ExternalID != nil {
			if _, ok := sc.node(*n.ExternalID); ok {
				sc.rememberNode(*n.ExternalID, n)
			}
		}
	}
	return nil
}
