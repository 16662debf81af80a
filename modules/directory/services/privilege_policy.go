package services

import (
	"strings"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
	"github.com/jacksonlee411/dirsync/pkg/celexpr"
)

// PrivilegeRules protects members from deprovisioning. A member is
// privileged when flagged in storage, listed by external id, or matched by
// the optional boolean expression over member attributes.
type PrivilegeRules struct {
	externalIDs map[string]struct{}
	expression  string
}

func NewPrivilegeRules(externalIDs []string, expression string) (*PrivilegeRules, error) {
	p := &PrivilegeRules{externalIDs: make(map[string]struct{}, len(externalIDs)), expression: strings.TrimSpace(expression)}
	for _, id := range externalIDs {
		if id = strings.TrimSpace(id); id != "" {
			p.externalIDs[id] = struct{}{}
		}
	}
	if p.expression != "" {
		if _, err := celexpr.CompileBool(p.expression); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PrivilegeRules) IsPrivileged(m types.DirectoryMember) (bool, error) {
	if m.Privileged {
		return true, nil
	}
	if p == nil {
		return false, nil
	}
	if _, ok := p.externalIDs[m.ExternalID]; ok {
		return true, nil
	}
	if p.expression == "" {
		return false, nil
	}
	return celexpr.EvalBool(p.expression, m.Attributes())
}
