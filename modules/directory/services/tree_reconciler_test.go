package services

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
	"github.com/jacksonlee411/dirsync/modules/directory/infrastructure/persistence"
)

func reconcileTree(t *testing.T, store *persistence.MemoryStore, opts types.SyncOptions, listing []types.RemoteDepartment) *SyncContext {
	t.Helper()
	sc := NewSyncContext("run", testCompany, opts)
	require.NoError(t, NewTreeReconciler(store, nil).Reconcile(context.Background(), sc, listing))
	return sc
}

func parentExternalIDs(t *testing.T, store *persistence.MemoryStore) map[string]string {
	t.Helper()
	nodes, err := store.ListNodes(context.Background(), testCompany)
	require.NoError(t, err)
	byID := map[string]types.DirectoryNode{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	out := map[string]string{}
	for _, n := range nodes {
		if n.ExternalID == nil {
			continue
		}
		parent := ""
		if n.ParentID != nil {
			parent = byID[*n.ParentID].ExternalIDValue()
			if parent == "" {
				parent = "<root>"
			}
		}
		out[*n.ExternalID] = parent
	}
	return out
}

func requireAcyclic(t *testing.T, store *persistence.MemoryStore) {
	t.Helper()
	nodes, err := store.ListNodes(context.Background(), testCompany)
	require.NoError(t, err)
	byID := map[string]types.DirectoryNode{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, n := range nodes {
		cur := n.ParentID
		for steps := 0; cur != nil; steps++ {
			require.Less(t, steps, len(nodes), "cycle through %s", n.ID)
			p, ok := byID[*cur]
			require.True(t, ok, "dangling parent on %s", n.ID)
			cur = p.ParentID
		}
	}
}

func TestTreeReconciler_OrderIndependent(t *testing.T) {
	listing := []types.RemoteDepartment{
		dept("1", "", "Root"),
		dept("2", "1", "Sales"),
		dept("3", "2", "Sales East"),
		dept("4", "1", "R&D"),
	}
	reversed := slices.Clone(listing)
	slices.Reverse(reversed)

	want := map[string]string{"1": "", "2": "1", "3": "2", "4": "1"}
	for _, order := range [][]types.RemoteDepartment{listing, reversed} {
		store := persistence.NewMemoryStore()
		sc := reconcileTree(t, store, types.DefaultSyncOptions(types.ProviderWeCom), order)
		require.Equal(t, want, parentExternalIDs(t, store))
		require.Equal(t, 4, sc.Counts.Departments)
		require.Zero(t, sc.Counts.Warnings)
	}
}

func TestTreeReconciler_PathIndex(t *testing.T) {
	store := persistence.NewMemoryStore()
	reconcileTree(t, store, types.DefaultSyncOptions(types.ProviderWeCom), []types.RemoteDepartment{
		dept("3", "2", "Leaf"),
		dept("2", "1", "Mid"),
		dept("1", "", "Top"),
	})

	top, mid, leaf := nodeByExt(t, store, "1"), nodeByExt(t, store, "2"), nodeByExt(t, store, "3")
	require.Equal(t, "/"+top.ID+"/", top.Path)
	require.Equal(t, 0, top.Depth)
	require.Equal(t, "/"+top.ID+"/"+mid.ID+"/"+leaf.ID+"/", leaf.Path)
	require.Equal(t, 2, leaf.Depth)
}

func TestTreeReconciler_Idempotent(t *testing.T) {
	store := persistence.NewMemoryStore()
	listing := []types.RemoteDepartment{dept("1", "", "Root"), dept("2", "1", "A"), dept("3", "2", "B")}
	opts := types.DefaultSyncOptions(types.ProviderWeCom)

	reconcileTree(t, store, opts, listing)
	before, err := store.ListNodes(context.Background(), testCompany)
	require.NoError(t, err)

	sc := reconcileTree(t, store, opts, listing)
	after, err := store.ListNodes(context.Background(), testCompany)
	require.NoError(t, err)

	require.Equal(t, before, after)
	require.Zero(t, sc.Counts.OrphansRemoved)
	require.Zero(t, sc.Counts.Warnings)
}

func TestTreeReconciler_UnresolvableParentAttachesToSyntheticRoot(t *testing.T) {
	store := persistence.NewMemoryStore()
	sc := reconcileTree(t, store, types.DefaultSyncOptions(types.ProviderWeCom), []types.RemoteDepartment{
		dept("1", "", "Root"),
		dept("x", "missing", "Stray"),
	})

	require.Equal(t, 1, sc.Counts.Warnings)
	require.Contains(t, sc.Warnings()[0], "parent not found")
	require.Equal(t, map[string]string{"1": "", "x": "<root>"}, parentExternalIDs(t, store))

	stats, err := store.Stats(context.Background(), testCompany)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Departments)
}

func TestTreeReconciler_CycleIsBroken(t *testing.T) {
	store := persistence.NewMemoryStore()
	sc := reconcileTree(t, store, types.DefaultSyncOptions(types.ProviderWeCom), []types.RemoteDepartment{
		dept("a", "b", "A"),
		dept("b", "a", "B"),
		dept("s", "s", "Self"),
	})

	requireAcyclic(t, store)
	require.Equal(t, 2, sc.Counts.Warnings)
	parents := parentExternalIDs(t, store)
	require.Equal(t, "b", parents["a"])
	require.Equal(t, "<root>", parents["b"])
	require.Equal(t, "<root>", parents["s"])
}

func TestTreeReconciler_OrphanChildrenAndMembersMoveUp(t *testing.T) {
	ctx := context.Background()
	opts := types.DefaultSyncOptions(types.ProviderWeCom)

	for _, tc := range []struct {
		name        string
		childParent string
	}{
		{name: "child still names removed parent", childParent: "2"},
		{name: "child renamed to grandparent", childParent: "1"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := persistence.NewMemoryStore()
			reconcileTree(t, store, opts, []types.RemoteDepartment{dept("1", "", "A"), dept("2", "1", "B"), dept("3", "2", "C")})

			a, b := nodeByExt(t, store, "1"), nodeByExt(t, store, "2")
			m, _, err := store.UpsertMember(ctx, types.DirectoryMember{
				CompanyID: testCompany, Provider: types.ProviderWeCom, ExternalID: "u1", Active: true,
				PrimaryDepartmentID: &b.ID, AssetOwningDepartmentID: &b.ID,
			})
			require.NoError(t, err)
			require.NoError(t, store.UpsertMembership(ctx, testCompany, types.MembershipRecord{UserID: m.ID, DepartmentID: b.ID, IsPrimary: true}))

			sc := reconcileTree(t, store, opts, []types.RemoteDepartment{dept("1", "", "A"), dept("3", tc.childParent, "C")})

			require.Equal(t, 1, sc.Counts.OrphansRemoved)
			require.Equal(t, map[string]string{"1": "", "3": "1"}, parentExternalIDs(t, store))

			got := memberByExt(t, store, "u1")
			require.Equal(t, a.ID, *got.PrimaryDepartmentID)
			require.Equal(t, a.ID, *got.AssetOwningDepartmentID)
			recs, err := store.ListMemberships(ctx, testCompany, m.ID)
			require.NoError(t, err)
			require.Empty(t, recs)

			c := nodeByExt(t, store, "3")
			require.Equal(t, "/"+a.ID+"/"+c.ID+"/", c.Path)
		})
	}
}

func TestTreeReconciler_NestedOrphansRemovedDeepestFirst(t *testing.T) {
	store := persistence.NewMemoryStore()
	opts := types.DefaultSyncOptions(types.ProviderWeCom)
	reconcileTree(t, store, opts, []types.RemoteDepartment{
		dept("1", "", "A"), dept("2", "1", "B"), dept("3", "2", "C"), dept("4", "3", "D"),
	})

	sc := reconcileTree(t, store, opts, []types.RemoteDepartment{dept("1", "", "A"), dept("4", "3", "D")})

	require.Equal(t, 2, sc.Counts.OrphansRemoved)
	require.Equal(t, map[string]string{"1": "", "4": "1"}, parentExternalIDs(t, store))
	requireAcyclic(t, store)
}

func TestTreeReconciler_IncrementalKeepsMissingDepartments(t *testing.T) {
	store := persistence.NewMemoryStore()
	reconcileTree(t, store, types.DefaultSyncOptions(types.ProviderWeCom), []types.RemoteDepartment{dept("1", "", "A"), dept("2", "1", "B")})

	opts := types.DefaultSyncOptions(types.ProviderWeCom)
	opts.SyncType = types.SyncTypeIncremental
	sc := reconcileTree(t, store, opts, []types.RemoteDepartment{dept("1", "", "A renamed")})

	require.Zero(t, sc.Counts.OrphansRemoved)
	nodeByExt(t, store, "2")
	require.Equal(t, "A renamed", nodeByExt(t, store, "1").Name)
}

func TestTreeReconciler_ScopedOrphansStayInsideScope(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	opts := types.DefaultSyncOptions(types.ProviderWeCom)
	reconcileTree(t, store, opts, []types.RemoteDepartment{
		dept("1", "", "Company"), dept("10", "1", "Scope"), dept("11", "10", "In scope"), dept("20", "1", "Out of scope"),
	})

	sc := NewSyncContext("run", testCompany, opts)
	sc.ScopeRootExternalID = "10"
	require.NoError(t, NewTreeReconciler(store, nil).Reconcile(ctx, sc, []types.RemoteDepartment{dept("10", "", "Scope")}))

	require.Equal(t, 1, sc.Counts.OrphansRemoved)
	_, ok, err := store.FindNodeByExternalID(ctx, testCompany, types.ProviderWeCom, "11")
	require.NoError(t, err)
	require.False(t, ok)
	nodeByExt(t, store, "1")
	nodeByExt(t, store, "20")
}

func TestTreeReconciler_InvalidAndDuplicateRecords(t *testing.T) {
	store := persistence.NewMemoryStore()
	sc := reconcileTree(t, store, types.DefaultSyncOptions(types.ProviderWeCom), []types.RemoteDepartment{
		dept("", "", "No id"),
		dept("1", "", "First"),
		dept("1", "", "Second"),
		dept("2", "1", ""),
	})

	require.Equal(t, 1, sc.Counts.Warnings)
	require.Equal(t, 2, sc.Counts.Departments)
	require.Equal(t, "Second", nodeByExt(t, store, "1").Name)
	require.Equal(t, "2", nodeByExt(t, store, "2").Name)
}

func TestRepairTree_FixesDanglingAndStaleIndex(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	reconcileTree(t, store, types.DefaultSyncOptions(types.ProviderWeCom), []types.RemoteDepartment{dept("1", "", "A"), dept("2", "1", "B")})

	b := nodeByExt(t, store, "2")
	require.NoError(t, store.UpdateNodeTreeIndex(ctx, testCompany, b.ID, "/stale/", 9))

	issues, err := RepairTree(ctx, store, testCompany)
	require.NoError(t, err)
	require.Empty(t, issues)

	a := nodeByExt(t, store, "1")
	b = nodeByExt(t, store, "2")
	require.Equal(t, "/"+a.ID+"/"+b.ID+"/", b.Path)
	require.Equal(t, 1, b.Depth)

	issues, err = RepairTree(ctx, store, testCompany)
	require.NoError(t, err)
	require.Empty(t, issues)
}
