package ports

import (
	"context"
	"time"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

type DepartmentStore interface {
	EnsureSyntheticRoot(ctx context.Context, companyID string) (types.DirectoryNode, error)
	// UpsertNode creates or updates name/sort_order; parent_id is left untouched.
	UpsertNode(ctx context.Context, companyID string, provider types.Provider, externalID string, name string, sortOrder int64) (types.DirectoryNode, bool, error)
	FindNodeByExternalID(ctx context.Context, companyID string, provider types.Provider, externalID string) (types.DirectoryNode, bool, error)
	ListNodes(ctx context.Context, companyID string) ([]types.DirectoryNode, error)
	SetNodeParent(ctx context.Context, companyID string, nodeID string, parentID *string) error
	SetNodeManager(ctx context.Context, companyID string, nodeID string, managerUserID *string) error
	UpdateNodeTreeIndex(ctx context.Context, companyID string, nodeID string, path string, depth int) error
	ReparentChildren(ctx context.Context, companyID string, fromNodeID string, toParentID *string) (int, error)
	// DeleteNode removes the node and every membership record pointing at it.
	DeleteNode(ctx context.Context, companyID string, nodeID string) error
}

type MemberStore interface {
	FindMember(ctx context.Context, companyID string, provider types.Provider, externalID string) (types.DirectoryMember, bool, error)
	UpsertMember(ctx context.Context, m types.DirectoryMember) (types.DirectoryMember, bool, error)
	ListMembers(ctx context.Context, companyID string, provider types.Provider) ([]types.DirectoryMember, error)
	DeactivateMember(ctx context.Context, companyID string, memberID string) error
	ReleaseManagerReferences(ctx context.Context, companyID string, memberID string) (int, error)
	// ReassignMemberDepartments moves primary and asset-owning department
	// references from one node to another (or clears them when to is nil).
	ReassignMemberDepartments(ctx context.Context, companyID string, fromNodeID string, to *string) (int, error)
}

type MembershipStore interface {
	UpsertMembership(ctx context.Context, companyID string, rec types.MembershipRecord) error
	ListMemberships(ctx context.Context, companyID string, userID string) ([]types.MembershipRecord, error)
	DeleteMembershipsExcept(ctx context.Context, companyID string, userID string, keepDepartmentIDs []string) (int, error)
}

type DirectoryStore interface {
	DepartmentStore
	MemberStore
	MembershipStore

	// ClearProvider is the destructive clear_existing pre-pass: it deletes the
	// provider's nodes, their membership records and every non-preserved member.
	ClearProvider(ctx context.Context, companyID string, provider types.Provider, preserveMemberIDs []string) (int, error)
	Stats(ctx context.Context, companyID string) (types.DirectoryStats, error)
}

type SyncRunStore interface {
	CreateRun(ctx context.Context, run types.SyncRun) error
	FinalizeRun(ctx context.Context, run types.SyncRun) error
	ListRuns(ctx context.Context, companyID string, provider types.Provider, limit int) ([]types.SyncRun, error)
	LastSuccessfulRun(ctx context.Context, companyID string, provider types.Provider) (*time.Time, error)
}

type RunLocker interface {
	TryLock(ctx context.Context, companyID string, provider types.Provider) (release func(), ok bool, err error)
}
