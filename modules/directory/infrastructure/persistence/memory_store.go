package persistence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
	"github.com/jacksonlee411/dirsync/pkg/uuidv7"
)

// MemoryStore keeps the whole directory in process. It backs tests and the
// `--store=memory` mode of the CLI.
type MemoryStore struct {
	mu          sync.Mutex
	nodes       map[string]types.DirectoryNode
	members     map[string]types.DirectoryMember
	memberships map[string]map[string]types.MembershipRecord
	roles       map[string]map[string]struct{}
	runs        []types.SyncRun
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:       make(map[string]types.DirectoryNode),
		members:     make(map[string]types.DirectoryMember),
		memberships: make(map[string]map[string]types.MembershipRecord),
		roles:       make(map[string]map[string]struct{}),
	}
}

func newID() (string, error) {
	return uuidv7.NewString()
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneNode(n types.DirectoryNode) types.DirectoryNode {
	n.ExternalID = cloneStr(n.ExternalID)
	n.ParentID = cloneStr(n.ParentID)
	n.ManagerUserID = cloneStr(n.ManagerUserID)
	return n
}

func cloneMember(m types.DirectoryMember) types.DirectoryMember {
	m.PrimaryDepartmentID = cloneStr(m.PrimaryDepartmentID)
	m.AssetOwningDepartmentID = cloneStr(m.AssetOwningDepartmentID)
	return m
}

func (s *MemoryStore) EnsureSyntheticRoot(_ context.Context, companyID string) (types.DirectoryNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.nodes {
		if n.CompanyID == companyID && n.Provider == "" && n.ExternalID == nil && n.ParentID == nil {
			return cloneNode(n), nil
		}
	}
	id, err := newID()
	if err != nil {
		return types.DirectoryNode{}, err
	}
	n := types.DirectoryNode{ID: id, CompanyID: companyID, Name: syntheticRootName, Path: "/" + id + "/"}
	s.nodes[id] = n
	return cloneNode(n), nil
}

func (s *MemoryStore) UpsertNode(_ context.Context, companyID string, provider types.Provider, externalID string, name string, sortOrder int64) (types.DirectoryNode, bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return types.DirectoryNode{}, false, errors.New("external_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, n := range s.nodes {
		if n.CompanyID == companyID && n.Provider == provider && n.ExternalIDValue() == externalID {
			n.Name = name
			n.SortOrder = sortOrder
			s.nodes[id] = n
			return cloneNode(n), false, nil
		}
	}
	id, err := newID()
	if err != nil {
		return types.DirectoryNode{}, false, err
	}
	ext := externalID
	n := types.DirectoryNode{
		ID:         id,
		CompanyID:  companyID,
		Provider:   provider,
		ExternalID: &ext,
		Name:       name,
		SortOrder:  sortOrder,
		Path:       "/" + id + "/",
	}
	s.nodes[id] = n
	return cloneNode(n), true, nil
}

func (s *MemoryStore) FindNodeByExternalID(_ context.Context, companyID string, provider types.Provider, externalID string) (types.DirectoryNode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.nodes {
		if n.CompanyID == companyID && n.Provider == provider && n.ExternalIDValue() == externalID {
			return cloneNode(n), true, nil
		}
	}
	return types.DirectoryNode{}, false, nil
}

func (s *MemoryStore) ListNodes(_ context.Context, companyID string) ([]types.DirectoryNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.DirectoryNode, 0)
	for _, n := range s.nodes {
		if n.CompanyID == companyID {
			out = append(out, cloneNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) nodeLocked(companyID string, nodeID string) (types.DirectoryNode, error) {
	n, ok := s.nodes[nodeID]
	if !ok || n.CompanyID != companyID {
		return types.DirectoryNode{}, types.ErrNotFound
	}
	return n, nil
}

func (s *MemoryStore) SetNodeParent(_ context.Context, companyID string, nodeID string, parentID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.nodeLocked(companyID, nodeID)
	if err != nil {
		return err
	}
	n.ParentID = cloneStr(parentID)
	s.nodes[nodeID] = n
	return nil
}

func (s *MemoryStore) SetNodeManager(_ context.Context, companyID string, nodeID string, managerUserID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.nodeLocked(companyID, nodeID)
	if err != nil {
		return err
	}
	n.ManagerUserID = cloneStr(managerUserID)
	s.nodes[nodeID] = n
	return nil
}

func (s *MemoryStore) UpdateNodeTreeIndex(_ context.Context, companyID string, nodeID string, path string, depth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.nodeLocked(companyID, nodeID)
	if err != nil {
		return err
	}
	n.Path = path
	n.Depth = depth
	s.nodes[nodeID] = n
	return nil
}

func (s *MemoryStore) ReparentChildren(_ context.Context, companyID string, fromNodeID string, toParentID *string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for id, n := range s.nodes {
		if n.CompanyID == companyID && n.ParentID != nil && *n.ParentID == fromNodeID {
			n.ParentID = cloneStr(toParentID)
			s.nodes[id] = n
			moved++
		}
	}
	return moved, nil
}

func (s *MemoryStore) DeleteNode(_ context.Context, companyID string, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.nodeLocked(companyID, nodeID); err != nil {
		return err
	}
	delete(s.nodes, nodeID)
	for _, recs := range s.memberships {
		delete(recs, nodeID)
	}
	return nil
}

func (s *MemoryStore) FindMember(_ context.Context, companyID string, provider types.Provider, externalID string) (types.DirectoryMember, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.members {
		if m.CompanyID == companyID && m.Provider == provider && m.ExternalID == externalID {
			return cloneMember(m), true, nil
		}
	}
	return types.DirectoryMember{}, false, nil
}

func (s *MemoryStore) UpsertMember(_ context.Context, m types.DirectoryMember) (types.DirectoryMember, bool, error) {
	m.ExternalID = strings.TrimSpace(m.ExternalID)
	if m.ExternalID == "" {
		return types.DirectoryMember{}, false, errors.New("external_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.members {
		if existing.CompanyID == m.CompanyID && existing.Provider == m.Provider && existing.ExternalID == m.ExternalID {
			m.ID = id
			m.Privileged = existing.Privileged
			s.members[id] = cloneMember(m)
			return cloneMember(m), false, nil
		}
	}
	id, err := newID()
	if err != nil {
		return types.DirectoryMember{}, false, err
	}
	m.ID = id
	s.members[id] = cloneMember(m)
	return cloneMember(m), true, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, companyID string, provider types.Provider) ([]types.DirectoryMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.DirectoryMember, 0)
	for _, m := range s.members {
		if m.CompanyID == companyID && (provider == "" || m.Provider == provider) {
			out = append(out, cloneMember(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (s *MemoryStore) DeactivateMember(_ context.Context, companyID string, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok || m.CompanyID != companyID {
		return types.ErrNotFound
	}
	m.Active = false
	m.PrimaryDepartmentID = nil
	s.members[memberID] = m
	return nil
}

func (s *MemoryStore) ReleaseManagerReferences(_ context.Context, companyID string, memberID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for id, n := range s.nodes {
		if n.CompanyID == companyID && n.ManagerUserID != nil && *n.ManagerUserID == memberID {
			n.ManagerUserID = nil
			s.nodes[id] = n
			released++
		}
	}
	return released, nil
}

func (s *MemoryStore) ReassignMemberDepartments(_ context.Context, companyID string, fromNodeID string, to *string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for id, m := range s.members {
		if m.CompanyID != companyID {
			continue
		}
		changed := false
		if m.PrimaryDepartmentID != nil && *m.PrimaryDepartmentID == fromNodeID {
			m.PrimaryDepartmentID = cloneStr(to)
			changed = true
		}
		if m.AssetOwningDepartmentID != nil && *m.AssetOwningDepartmentID == fromNodeID {
			m.AssetOwningDepartmentID = cloneStr(to)
			changed = true
		}
		if changed {
			s.members[id] = m
			moved++
		}
	}
	return moved, nil
}

func (s *MemoryStore) UpsertMembership(_ context.Context, companyID string, rec types.MembershipRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[rec.UserID]
	if !ok || m.CompanyID != companyID {
		return types.ErrNotFound
	}
	if _, err := s.nodeLocked(companyID, rec.DepartmentID); err != nil {
		return err
	}
	if s.memberships[rec.UserID] == nil {
		s.memberships[rec.UserID] = make(map[string]types.MembershipRecord)
	}
	if rec.IsPrimary {
		for deptID, other := range s.memberships[rec.UserID] {
			if deptID != rec.DepartmentID && other.IsPrimary {
				other.IsPrimary = false
				s.memberships[rec.UserID][deptID] = other
			}
		}
	}
	s.memberships[rec.UserID][rec.DepartmentID] = rec
	return nil
}

func (s *MemoryStore) ListMemberships(_ context.Context, companyID string, userID string) ([]types.MembershipRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.MembershipRecord, 0)
	if m, ok := s.members[userID]; !ok || m.CompanyID != companyID {
		return out, nil
	}
	for _, rec := range s.memberships[userID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteOrder < out[j].RemoteOrder })
	return out, nil
}

func (s *MemoryStore) DeleteMembershipsExcept(_ context.Context, companyID string, userID string, keepDepartmentIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.members[userID]; !ok || m.CompanyID != companyID {
		return 0, nil
	}
	keep := make(map[string]struct{}, len(keepDepartmentIDs))
	for _, id := range keepDepartmentIDs {
		keep[id] = struct{}{}
	}
	deleted := 0
	for deptID := range s.memberships[userID] {
		if _, ok := keep[deptID]; !ok {
			delete(s.memberships[userID], deptID)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) ClearProvider(_ context.Context, companyID string, provider types.Provider, preserveMemberIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	preserve := make(map[string]struct{}, len(preserveMemberIDs))
	for _, id := range preserveMemberIDs {
		preserve[id] = struct{}{}
	}

	removed := 0
	for id, n := range s.nodes {
		if n.CompanyID != companyID || n.Provider != provider {
			continue
		}
		delete(s.nodes, id)
		for _, recs := range s.memberships {
			delete(recs, id)
		}
		for mid, m := range s.members {
			if m.CompanyID != companyID {
				continue
			}
			if m.PrimaryDepartmentID != nil && *m.PrimaryDepartmentID == id {
				m.PrimaryDepartmentID = nil
			}
			if m.AssetOwningDepartmentID != nil && *m.AssetOwningDepartmentID == id {
				m.AssetOwningDepartmentID = nil
			}
			s.members[mid] = m
		}
		for cid, c := range s.nodes {
			if c.ParentID != nil && *c.ParentID == id {
				c.ParentID = nil
				s.nodes[cid] = c
			}
		}
		removed++
	}
	for id, m := range s.members {
		if m.CompanyID != companyID || m.Provider != provider {
			continue
		}
		if _, ok := preserve[id]; ok {
			continue
		}
		delete(s.members, id)
		delete(s.memberships, id)
		delete(s.roles, id)
		for nid, n := range s.nodes {
			if n.ManagerUserID != nil && *n.ManagerUserID == id {
				n.ManagerUserID = nil
				s.nodes[nid] = n
			}
		}
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) ListRoleGrants(_ context.Context, companyID string) ([]types.RoleGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.RoleGrant, 0)
	for memberID, roles := range s.roles {
		if m, ok := s.members[memberID]; !ok || m.CompanyID != companyID {
			continue
		}
		for role := range roles {
			out = append(out, types.RoleGrant{MemberID: memberID, Role: role})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MemberID != out[j].MemberID {
			return out[i].MemberID < out[j].MemberID
		}
		return out[i].Role < out[j].Role
	})
	return out, nil
}

func (s *MemoryStore) GrantRole(_ context.Context, companyID string, memberID string, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.members[memberID]; !ok || m.CompanyID != companyID {
		return types.ErrNotFound
	}
	if s.roles[memberID] == nil {
		s.roles[memberID] = make(map[string]struct{})
	}
	s.roles[memberID][role] = struct{}{}
	return nil
}

func (s *MemoryStore) RevokeRole(_ context.Context, companyID string, memberID string, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.members[memberID]; !ok || m.CompanyID != companyID {
		return types.ErrNotFound
	}
	delete(s.roles[memberID], role)
	return nil
}

func (s *MemoryStore) Stats(_ context.Context, companyID string) (types.DirectoryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out types.DirectoryStats
	for _, m := range s.members {
		if m.CompanyID == companyID && m.Active {
			out.LinkedUsers++
		}
	}
	for _, n := range s.nodes {
		if n.CompanyID != companyID || n.ExternalID == nil {
			continue
		}
		out.Departments++
		if n.ManagerUserID != nil {
			out.AssignedManagers++
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run types.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.ID == run.ID {
			return errors.New("sync run already exists")
		}
	}
	s.runs = append(s.runs, run)
	return nil
}

func (s *MemoryStore) FinalizeRun(_ context.Context, run types.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.runs {
		if r.ID != run.ID {
			continue
		}
		if r.Status.Terminal() {
			return types.ErrRunAlreadyFinalized
		}
		s.runs[i] = run
		return nil
	}
	return types.ErrNotFound
}

func (s *MemoryStore) ListRuns(_ context.Context, companyID string, provider types.Provider, limit int) ([]types.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.SyncRun, 0)
	for i := len(s.runs) - 1; i >= 0; i-- {
		r := s.runs[i]
		if r.CompanyID != companyID || (provider != "" && r.Provider != provider) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LastSuccessfulRun(_ context.Context, companyID string, provider types.Provider) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *time.Time
	for _, r := range s.runs {
		if r.CompanyID != companyID || r.Status != types.SyncStatusSuccess || r.CompletedAt == nil {
			continue
		}
		if provider != "" && r.Provider != provider {
			continue
		}
		if last == nil || r.CompletedAt.After(*last) {
			t := *r.CompletedAt
			last = &t
		}
	}
	return last, nil
}
