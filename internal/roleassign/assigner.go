// Package roleassign derives application roles from the synced directory.
package roleassign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
	"github.com/jacksonlee411/dirsync/pkg/celexpr"
)

type Store interface {
	ListMembers(ctx context.Context, companyID string, provider types.Provider) ([]types.DirectoryMember, error)
	ListNodes(ctx context.Context, companyID string) ([]types.DirectoryNode, error)
	ListRoleGrants(ctx context.Context, companyID string) ([]types.RoleGrant, error)
	GrantRole(ctx context.Context, companyID string, memberID string, role string) error
	RevokeRole(ctx context.Context, companyID string, memberID string, role string) error
}

type PrivilegeChecker interface {
	IsPrivileged(m types.DirectoryMember) (bool, error)
}

// Rule grants Role to every active member whose attributes satisfy
// Expression. Expressions see the member attributes plus is_manager.
type Rule struct {
	Role       string
	Expression string
}

func DefaultRules() []Rule {
	return []Rule{
		{Role: "employee", Expression: "true"},
		{Role: "dept_admin", Expression: `member.is_manager == "true"`},
		{Role: "super_admin", Expression: `member.privileged == "true"`},
	}
}

type Assigner struct {
	store      Store
	rules      []Rule
	privileges PrivilegeChecker
	logger     *slog.Logger
}

// New compiles rules up front. Empty rules fall back to DefaultRules.
// Only roles named by a rule are managed; grants of other roles are left
// untouched.
func New(store Store, rules []Rule, privileges PrivilegeChecker, logger *slog.Logger) (*Assigner, error) {
	if store == nil {
		return nil, errors.New("roleassign: store is required")
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	normalized := make([]Rule, 0, len(rules))
	for _, r := range rules {
		r.Role = strings.TrimSpace(r.Role)
		r.Expression = strings.TrimSpace(r.Expression)
		if r.Role == "" {
			return nil, errors.New("roleassign: rule role is required")
		}
		if _, err := celexpr.CompileBool(r.Expression); err != nil {
			return nil, fmt.Errorf("roleassign: rule %q: %w", r.Role, err)
		}
		normalized = append(normalized, r)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Assigner{store: store, rules: normalized, privileges: privileges, logger: logger}, nil
}

func (a *Assigner) managed(role string) bool {
	for _, r := range a.rules {
		if r.Role == role {
			return true
		}
	}
	return false
}

// SyncMemberRoles reconciles managed grants against the rules for every
// member of the company. Inactive members lose all managed roles. A rule
// that fails for one member is reported and the remaining members are
// still processed.
func (a *Assigner) SyncMemberRoles(ctx context.Context, companyID string) (types.RoleSyncStats, error) {
	var stats types.RoleSyncStats

	members, err := a.store.ListMembers(ctx, companyID, "")
	if err != nil {
		return stats, err
	}
	nodes, err := a.store.ListNodes(ctx, companyID)
	if err != nil {
		return stats, err
	}
	grants, err := a.store.ListRoleGrants(ctx, companyID)
	if err != nil {
		return stats, err
	}

	managers := make(map[string]struct{})
	for _, n := range nodes {
		if n.ManagerUserID != nil {
			managers[*n.ManagerUserID] = struct{}{}
		}
	}
	current := make(map[string]map[string]struct{})
	for _, g := range grants {
		if !a.managed(g.Role) {
			continue
		}
		if current[g.MemberID] == nil {
			current[g.MemberID] = make(map[string]struct{})
		}
		current[g.MemberID][g.Role] = struct{}{}
	}

	var errs []error
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Members++

		want, err := a.desired(m, managers)
		if err != nil {
			a.logger.WarnContext(ctx, "role rule evaluation failed", "company_id", companyID, "member_id", m.ID, "error", err)
			errs = append(errs, fmt.Errorf("member %s: %w", m.ID, err))
			continue
		}
		have := current[m.ID]

		for _, role := range sortedKeys(want) {
			if _, ok := have[role]; ok {
				continue
			}
			if err := a.store.GrantRole(ctx, companyID, m.ID, role); err != nil {
				return stats, err
			}
			stats.Granted++
		}
		for _, role := range sortedKeys(have) {
			if _, ok := want[role]; ok {
				continue
			}
			if err := a.store.RevokeRole(ctx, companyID, m.ID, role); err != nil {
				return stats, err
			}
			stats.Revoked++
		}
	}

	a.logger.InfoContext(ctx, "member roles synced",
		"company_id", companyID, "members", stats.Members, "granted", stats.Granted, "revoked", stats.Revoked)
	return stats, errors.Join(errs...)
}

func (a *Assigner) desired(m types.DirectoryMember, managers map[string]struct{}) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if !m.Active {
		return out, nil
	}

	attrs := m.Attributes()
	_, isManager := managers[m.ID]
	attrs["is_manager"] = strconv.FormatBool(isManager)
	if a.privileges != nil {
		privileged, err := a.privileges.IsPrivileged(m)
		if err != nil {
			return nil, err
		}
		attrs["privileged"] = strconv.FormatBool(privileged)
	}

	for _, r := range a.rules {
		ok, err := celexpr.EvalBool(r.Expression, attrs)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Role, err)
		}
		if ok {
			out[r.Role] = struct{}{}
		}
	}
	return out, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
