package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

func TestMemoryStore_NodesAndSyntheticRoot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n, created, err := s.UpsertNode(ctx, "c1", types.ProviderWeCom, "1", "HQ", 1)
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	again, created, err := s.UpsertNode(ctx, "c1", types.ProviderWeCom, " 1 ", "HQ2", 2)
	if err != nil || created || again.ID != n.ID || again.Name != "HQ2" {
		t.Fatalf("again=%+v created=%v err=%v", again, created, err)
	}
	if _, _, err := s.UpsertNode(ctx, "c1", types.ProviderWeCom, "", "x", 0); err == nil {
		t.Fatal("expected error")
	}

	root, err := s.EnsureSyntheticRoot(ctx, "c1")
	if err != nil || root.ExternalID != nil || root.Name != syntheticRootName {
		t.Fatalf("root=%+v err=%v", root, err)
	}
	root2, err := s.EnsureSyntheticRoot(ctx, "c1")
	if err != nil || root2.ID != root.ID {
		t.Fatalf("root2=%+v err=%v", root2, err)
	}

	stats, err := s.Stats(ctx, "c1")
	if err != nil || stats.Departments != 1 {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}

	if err := s.SetNodeParent(ctx, "c2", n.ID, nil); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestMemoryStore_MemberLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d1, _, _ := s.UpsertNode(ctx, "c1", types.ProviderWeCom, "1", "A", 0)
	d2, _, _ := s.UpsertNode(ctx, "c1", types.ProviderWeCom, "2", "B", 0)

	m, created, err := s.UpsertMember(ctx, types.DirectoryMember{CompanyID: "c1", Provider: types.ProviderWeCom, ExternalID: "u1", Active: true, PrimaryDepartmentID: &d1.ID})
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if err := s.SetNodeManager(ctx, "c1", d1.ID, &m.ID); err != nil {
		t.Fatal(err)
	}

	if err := s.UpsertMembership(ctx, "c1", types.MembershipRecord{UserID: m.ID, DepartmentID: d1.ID, IsPrimary: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertMembership(ctx, "c1", types.MembershipRecord{UserID: m.ID, DepartmentID: d2.ID, IsPrimary: true, RemoteOrder: 1}); err != nil {
		t.Fatal(err)
	}
	recs, _ := s.ListMemberships(ctx, "c1", m.ID)
	primaries := 0
	for _, r := range recs {
		if r.IsPrimary {
			primaries++
		}
	}
	if len(recs) != 2 || primaries != 1 {
		t.Fatalf("recs=%+v", recs)
	}

	if n, _ := s.DeleteMembershipsExcept(ctx, "c1", m.ID, []string{d2.ID}); n != 1 {
		t.Fatalf("deleted=%d", n)
	}

	if err := s.DeactivateMember(ctx, "c1", m.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.ReleaseManagerReferences(ctx, "c1", m.ID); n != 1 {
		t.Fatalf("released=%d", n)
	}
	got, _, _ := s.FindMember(ctx, "c1", types.ProviderWeCom, "u1")
	if got.Active || got.PrimaryDepartmentID != nil {
		t.Fatalf("member=%+v", got)
	}

	if err := s.UpsertMembership(ctx, "c1", types.MembershipRecord{UserID: "nope", DepartmentID: d1.ID}); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestMemoryStore_ClearProviderPreserves(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d, _, _ := s.UpsertNode(ctx, "c1", types.ProviderDingTalk, "1", "A", 0)
	keep, _, _ := s.UpsertMember(ctx, types.DirectoryMember{CompanyID: "c1", Provider: types.ProviderDingTalk, ExternalID: "admin", PrimaryDepartmentID: &d.ID})
	_, _, _ = s.UpsertMember(ctx, types.DirectoryMember{CompanyID: "c1", Provider: types.ProviderDingTalk, ExternalID: "u1"})
	_, _, _ = s.UpsertMember(ctx, types.DirectoryMember{CompanyID: "c1", Provider: types.ProviderWeCom, ExternalID: "other"})

	n, err := s.ClearProvider(ctx, "c1", types.ProviderDingTalk, []string{keep.ID})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	got, ok, _ := s.FindMember(ctx, "c1", types.ProviderDingTalk, "admin")
	if !ok || got.PrimaryDepartmentID != nil {
		t.Fatalf("admin=%+v ok=%v", got, ok)
	}
	if _, ok, _ := s.FindMember(ctx, "c1", types.ProviderWeCom, "other"); !ok {
		t.Fatal("other provider member removed")
	}
}

func TestMemoryStore_Runs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2"} {
		run := types.SyncRun{ID: id, CompanyID: "c1", Provider: types.ProviderFeishu, Status: types.SyncStatusRunning, StartedAt: start.Add(time.Duration(i) * time.Minute)}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateRun(ctx, types.SyncRun{ID: "r1", CompanyID: "c1"}); err == nil {
		t.Fatal("expected duplicate error")
	}

	done := start.Add(time.Hour)
	final := types.SyncRun{ID: "r1", CompanyID: "c1", Provider: types.ProviderFeishu, Status: types.SyncStatusSuccess, CompletedAt: &done}
	if err := s.FinalizeRun(ctx, final); err != nil {
		t.Fatal(err)
	}
	if err := s.FinalizeRun(ctx, final); !errors.Is(err, types.ErrRunAlreadyFinalized) {
		t.Fatalf("err=%v", err)
	}
	if err := s.FinalizeRun(ctx, types.SyncRun{ID: "nope"}); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}

	runs, _ := s.ListRuns(ctx, "c1", "", 1)
	if len(runs) != 1 || runs[0].ID != "r2" {
		t.Fatalf("runs=%+v", runs)
	}
	last, _ := s.LastSuccessfulRun(ctx, "c1", types.ProviderFeishu)
	if last == nil || !last.Equal(done) {
		t.Fatalf("last=%v", last)
	}
	last, _ = s.LastSuccessfulRun(ctx, "c1", types.ProviderWeCom)
	if last != nil {
		t.Fatalf("last=%v", last)
	}
}

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	release, ok, err := l.TryLock(ctx, "c1", types.ProviderWeCom)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, "c1", types.ProviderWeCom); ok {
		t.Fatal("expected contention")
	}
	if _, ok, _ := l.TryLock(ctx, "c1", types.ProviderDingTalk); !ok {
		t.Fatal("other provider should lock independently")
	}
	release()
	release()
	if _, ok, _ := l.TryLock(ctx, "c1", types.ProviderWeCom); !ok {
		t.Fatal("expected lock after release")
	}
}

func TestMemoryStore_RoleGrants(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	m, _, _ := s.UpsertMember(ctx, types.DirectoryMember{CompanyID: "c1", Provider: types.ProviderWeCom, ExternalID: "u1", Active: true})

	for _, role := range []string{"employee", "dept_admin", "employee"} {
		if err := s.GrantRole(ctx, "c1", m.ID, role); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.GrantRole(ctx, "c2", m.ID, "employee"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	grants, err := s.ListRoleGrants(ctx, "c1")
	if err != nil || len(grants) != 2 || grants[0].Role != "dept_admin" {
		t.Fatalf("grants=%+v err=%v", grants, err)
	}
	if other, _ := s.ListRoleGrants(ctx, "c2"); len(other) != 0 {
		t.Fatalf("other=%+v", other)
	}

	if err := s.RevokeRole(ctx, "c1", m.ID, "dept_admin"); err != nil {
		t.Fatal(err)
	}
	if err := s.RevokeRole(ctx, "c1", m.ID, "dept_admin"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ClearProvider(ctx, "c1", types.ProviderWeCom, nil); err != nil {
		t.Fatal(err)
	}
	if grants, _ := s.ListRoleGrants(ctx, "c1"); len(grants) != 0 {
		t.Fatalf("grants=%+v", grants)
	}
}
