package services

import (
	"sort"
	"strings"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

// SyncContext carries all mutable state of one run through the passes.
type SyncContext struct {
	RunID     string
	CompanyID string
	Provider  types.Provider
	Options   types.SyncOptions
	// ScopeRootExternalID limits orphan detection to one remote subtree.
	ScopeRootExternalID string

	Counts types.SyncCounts

	nodes         map[string]types.DirectoryNode
	observed      map[string]string
	syntheticRoot *types.DirectoryNode
	warnings      []string
	// degraded holds departments whose user listing failed this run.
	degraded map[string]struct{}
}

func NewSyncContext(runID string, companyID string, opts types.SyncOptions) *SyncContext {
	return &SyncContext{
		RunID:     runID,
		CompanyID: companyID,
		Provider:  opts.Provider,
		Options:   opts,
		nodes:     make(map[string]types.DirectoryNode),
		observed:  make(map[string]string),
		degraded:  make(map[string]struct{}),
	}
}

func (sc *SyncContext) rememberNode(externalID string, n types.DirectoryNode) {
	sc.nodes[externalID] = n
}

func (sc *SyncContext) node(externalID string) (types.DirectoryNode, bool) {
	n, ok := sc.nodes[externalID]
	return n, ok
}

func (sc *SyncContext) forgetNodeID(nodeID string) {
	for ext, n := range sc.nodes {
		if n.ID == nodeID {
			delete(sc.nodes, ext)
		}
	}
}

func (sc *SyncContext) observe(externalID string, memberID string) {
	sc.observed[externalID] = memberID
}

func (sc *SyncContext) Observed(externalID string) bool {
	_, ok := sc.observed[externalID]
	return ok
}

func (sc *SyncContext) observedMember(externalID string) (string, bool) {
	id, ok := sc.observed[externalID]
	return id, ok
}

func (sc *SyncContext) markDegraded(externalID string) {
	sc.degraded[externalID] = struct{}{}
}

// DegradedDepartments lists, sorted, the departments whose members could not
// be listed this run.
func (sc *SyncContext) DegradedDepartments() []string {
	out := make([]string, 0, len(sc.degraded))
	for ext := range sc.degraded {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Warn records a degraded record; the run keeps going.
func (sc *SyncContext) Warn(err error) {
	if err == nil {
		return
	}
	sc.warnings = append(sc.warnings, err.Error())
	sc.Counts.Warnings++
}

func (sc *SyncContext) Warnings() []string {
	return append([]string(nil), sc.warnings...)
}

func (sc *SyncContext) warningDetail() string {
	return strings.Join(sc.warnings, "\n")
}
