package services

import (
	"context"
	"sort"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/ports"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

const (
	walkActive = iota + 1
	walkDone
)

// RepairTree makes the company's parent graph acyclic and connected, then
// rewrites the materialized path/depth index wherever it drifted. Broken
// links are re-attached to the synthetic root and reported as
// TreeIntegrityError values. Safe to run when nothing changed.
func RepairTree(ctx context.Context, store ports.DepartmentStore, companyID string) ([]error, error) {
	nodes, err := store.ListNodes(ctx, companyID)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	byID := make(map[string]types.DirectoryNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	var issues []error
	var rootID string
	reattach := func(n types.DirectoryNode, reason string) error {
		parentExt := deref(n.ParentID)
		if p, ok := byID[parentExt]; ok {
			parentExt = p.ExternalIDValue()
		}
		if rootID == "" {
			root, err := store.EnsureSyntheticRoot(ctx, companyID)
			if err != nil {
				return err
			}
			rootID = root.ID
			if _, ok := byID[root.ID]; !ok {
				byID[root.ID] = root
			}
		}
		if err := store.SetNodeParent(ctx, companyID, n.ID, &rootID); err != nil {
			return err
		}
		id := rootID
		n.ParentID = &id
		byID[n.ID] = n
		issues = append(issues, &types.TreeIntegrityError{ExternalID: n.ExternalIDValue(), ParentExternalID: parentExt, Reason: reason})
		return nil
	}

	state := make(map[string]int, len(byID))
	for _, start := range nodes {
		if state[start.ID] == walkDone {
			continue
		}
		var chain []string
		cur := start.ID
		for {
			if state[cur] == walkDone {
				break
			}
			if state[cur] == walkActive {
				cycle := chain[indexOf(chain, cur):]
				breakAt := cycle[0]
				for _, id := range cycle {
					if id < breakAt {
						breakAt = id
					}
				}
				if err := reattach(byID[breakAt], "cycle detected"); err != nil {
					return issues, err
				}
				break
			}
			state[cur] = walkActive
			chain = append(chain, cur)

			n := byID[cur]
			if n.ParentID == nil {
				break
			}
			if _, ok := byID[*n.ParentID]; !ok {
				if err := reattach(n, "dangling parent"); err != nil {
					return issues, err
				}
				break
			}
			cur = *n.ParentID
		}
		for _, id := range chain {
			state[id] = walkDone
		}
	}

	paths := make(map[string]string, len(byID))
	var pathOf func(id string) string
	pathOf = func(id string) string {
		if p, ok := paths[id]; ok {
			return p
		}
		n := byID[id]
		prefix := "/"
		if n.ParentID != nil {
			prefix = pathOf(*n.ParentID)
		}
		p := prefix + id + "/"
		paths[id] = p
		return p
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := byID[id]
		path := pathOf(id)
		depth := pathDepth(path)
		if n.Path == path && n.Depth == depth {
			continue
		}
		if err := store.UpdateNodeTreeIndex(ctx, companyID, id, path, depth); err != nil {
			return issues, err
		}
	}
	return issues, nil
}

func pathDepth(path string) int {
	d := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			d++
		}
	}
	if d < 0 {
		return 0
	}
	return d - 1
}

func indexOf(ss []string, v string) int {
	for i, s := range ss {
		if s == v {
			return i
		}
	}
	return 0
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
