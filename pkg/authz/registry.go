package authz

const (
	RoleDirectoryAdmin  = "directory-admin"
	RoleDirectoryViewer = "directory-viewer"
	RoleAnonymous       = "anonymous"
)

const (
	ActionRead = "read"
	ActionSync = "sync"
)

const ObjectDirectorySync = "directory.sync"

// DomainAny in a policy line matches every company.
const DomainAny = "*"
