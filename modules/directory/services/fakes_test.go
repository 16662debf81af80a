package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/ports"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
	"github.com/jacksonlee411/dirsync/modules/directory/infrastructure/persistence"
)

const testCompany = "c1"

type fakeAdapter struct {
	mu sync.Mutex

	provider types.Provider
	root     string

	credErr   error
	credCalls int

	depts     []types.RemoteDepartment
	deptErrs  []error
	deptCalls int

	users       map[string][]types.RemoteUser
	userErrs    map[string]error
	onListUsers func(dept string)
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{provider: types.ProviderWeCom, users: map[string][]types.RemoteUser{}, userErrs: map[string]error{}}
}

func (a *fakeAdapter) Provider() types.Provider { return a.provider }
func (a *fakeAdapter) RootDepartmentID() string { return a.root }

func (a *fakeAdapter) GetCredential(context.Context) (string, time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.credCalls++
	if a.credErr != nil {
		return "", time.Time{}, a.credErr
	}
	return "tok", time.Now().Add(time.Hour), nil
}

func (a *fakeAdapter) ListDepartments(context.Context) ([]types.RemoteDepartment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deptCalls++
	if len(a.deptErrs) > 0 {
		err := a.deptErrs[0]
		a.deptErrs = a.deptErrs[1:]
		return nil, err
	}
	return append([]types.RemoteDepartment(nil), a.depts...), nil
}

func (a *fakeAdapter) ListUsersByDepartment(_ context.Context, dept string) ([]types.RemoteUser, error) {
	if a.onListUsers != nil {
		a.onListUsers(dept)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.userErrs[dept]; err != nil {
		return nil, err
	}
	return append([]types.RemoteUser(nil), a.users[dept]...), nil
}

type fakeRegistry map[string]ports.ProviderAdapter

func (r fakeRegistry) Adapter(companyID string, provider types.Provider) (ports.ProviderAdapter, bool) {
	a, ok := r[companyID+"/"+string(provider)]
	return a, ok
}

func (r fakeRegistry) EnabledProviders(companyID string) []types.Provider {
	var out []types.Provider
	for _, p := range []types.Provider{types.ProviderWeCom, types.ProviderDingTalk, types.ProviderFeishu} {
		if _, ok := r[companyID+"/"+string(p)]; ok {
			out = append(out, p)
		}
	}
	return out
}

type fakeRoles struct {
	calls int
	stats types.RoleSyncStats
	err   error
}

func (f *fakeRoles) SyncMemberRoles(context.Context, string) (types.RoleSyncStats, error) {
	f.calls++
	return f.stats, f.err
}

type harness struct {
	store   *persistence.MemoryStore
	locker  *persistence.MemoryLocker
	adapter *fakeAdapter
	roles   *fakeRoles
	orch    *Orchestrator
}

func newHarness(t *testing.T, policy ports.PrivilegePolicy) *harness {
	t.Helper()
	h := &harness{
		store:   persistence.NewMemoryStore(),
		locker:  persistence.NewMemoryLocker(),
		adapter: newFakeAdapter(),
		roles:   &fakeRoles{},
	}
	h.orch = NewOrchestrator(OrchestratorOptions{
		Registry: fakeRegistry{testCompany + "/" + string(types.ProviderWeCom): h.adapter},
		Store:    h.store,
		Runs:     h.store,
		Locker:   h.locker,
		Roles:    h.roles,
		Policy:   policy,
		Retry:    RetryPolicy{MaxRetries: 2, Delay: time.Millisecond, CallTimeout: time.Second},
	})
	return h
}

func (h *harness) run(t *testing.T, opts types.SyncOptions) (types.SyncRun, error) {
	t.Helper()
	return h.orch.Run(context.Background(), testCompany, opts)
}

func dept(id, parent, name string) types.RemoteDepartment {
	return types.RemoteDepartment{ExternalID: id, ParentExternalID: parent, Name: name}
}

func user(id string, depts []string, leaders []bool) types.RemoteUser {
	return types.RemoteUser{ExternalID: id, Name: "User " + id, DepartmentExternalIDs: depts, LeaderFlags: leaders}
}

func nodeByExt(t *testing.T, store *persistence.MemoryStore, ext string) types.DirectoryNode {
	t.Helper()
	n, ok, err := store.FindNodeByExternalID(context.Background(), testCompany, types.ProviderWeCom, ext)
	require.NoError(t, err)
	require.True(t, ok, "node %s missing", ext)
	return n
}

func memberByExt(t *testing.T, store *persistence.MemoryStore, ext string) types.DirectoryMember {
	t.Helper()
	m, ok, err := store.FindMember(context.Background(), testCompany, types.ProviderWeCom, ext)
	require.NoError(t, err)
	require.True(t, ok, "member %s missing", ext)
	return m
}
