package ports

import (
	"context"
	"time"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

// ProviderAdapter normalizes one upstream directory platform. Adapters never
// retry on their own; errors are classified with types.UpstreamError.
type ProviderAdapter interface {
	Provider() types.Provider
	// RootDepartmentID is the configured scope root, empty when the whole
	// directory is mirrored.
	RootDepartmentID() string
	GetCredential(ctx context.Context) (token string, expiry time.Time, err error)
	ListDepartments(ctx context.Context) ([]types.RemoteDepartment, error)
	ListUsersByDepartment(ctx context.Context, externalDeptID string) ([]types.RemoteUser, error)
}

type AdapterRegistry interface {
	Adapter(companyID string, provider types.Provider) (ProviderAdapter, bool)
	EnabledProviders(companyID string) []types.Provider
}

type RoleAssigner interface {
	SyncMemberRoles(ctx context.Context, companyID string) (types.RoleSyncStats, error)
}

type PrivilegePolicy interface {
	IsPrivileged(m types.DirectoryMember) (bool, error)
}
