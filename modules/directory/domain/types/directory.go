package types

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type Provider string

const (
	ProviderWeCom    Provider = "wecom"
	ProviderDingTalk Provider = "dingtalk"
	ProviderFeishu   Provider = "feishu"
)

func ParseProvider(raw string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "wecom", "wework":
		return ProviderWeCom, true
	case "dingtalk":
		return ProviderDingTalk, true
	case "feishu", "lark":
		return ProviderFeishu, true
	default:
		return "", false
	}
}

// DirectoryNode mirrors one department. Local-only nodes (the per-company
// synthetic root) have no Provider and no ExternalID.
type DirectoryNode struct {
	ID            string   `json:"id"`
	CompanyID     string   `json:"company_id"`
	Provider      Provider `json:"provider,omitempty"`
	ExternalID    *string  `json:"external_id"`
	Name          string   `json:"name"`
	ParentID      *string  `json:"parent_id"`
	SortOrder     int64    `json:"sort_order"`
	ManagerUserID *string  `json:"manager_user_id"`

	// Path and Depth are the tree-traversal index maintained by tree repair.
	Path  string `json:"path"`
	Depth int    `json:"depth"`
}

func (n DirectoryNode) ExternalIDValue() string {
	if n.ExternalID == nil {
		return ""
	}
	return *n.ExternalID
}

type DirectoryMember struct {
	ID                      string   `json:"id"`
	CompanyID               string   `json:"company_id"`
	Provider                Provider `json:"provider"`
	ExternalID              string   `json:"external_id"`
	DisplayName             string   `json:"display_name"`
	Phone                   string   `json:"phone"`
	Email                   string   `json:"email"`
	AvatarURL               string   `json:"avatar_url"`
	Position                string   `json:"position"`
	PrimaryDepartmentID     *string  `json:"primary_department_id"`
	AssetOwningDepartmentID *string  `json:"asset_owning_department_id"`
	Active                  bool     `json:"active"`
	Privileged              bool     `json:"privileged"`
}

// Attributes is the flat view used by privilege and role expressions.
func (m DirectoryMember) Attributes() map[string]string {
	out := map[string]string{
		"id":           m.ID,
		"company_id":   m.CompanyID,
		"provider":     string(m.Provider),
		"external_id":  m.ExternalID,
		"display_name": m.DisplayName,
		"phone":        m.Phone,
		"email":        m.Email,
		"position":     m.Position,
		"active":       strconv.FormatBool(m.Active),
		"privileged":   strconv.FormatBool(m.Privileged),
	}
	out["primary_department_id"] = ""
	if m.PrimaryDepartmentID != nil {
		out["primary_department_id"] = *m.PrimaryDepartmentID
	}
	return out
}

type MembershipRecord struct {
	UserID        string `json:"user_id"`
	DepartmentID  string `json:"department_id"`
	IsPrimary     bool   `json:"is_primary"`
	IsLeader      bool   `json:"is_leader"`
	PositionLabel string `json:"position_label"`
	RemoteOrder   int    `json:"remote_order"`
}

type RemoteDepartment struct {
	ExternalID       string
	Name             string
	ParentExternalID string
	Order            int64
}

// RemoteUser carries parallel slices: DepartmentExternalIDs[i] pairs with
// LeaderFlags[i], and index 0 is the provider's primary department.
type RemoteUser struct {
	ExternalID            string
	Name                  string
	Phone                 string
	Email                 string
	Avatar                string
	DepartmentExternalIDs []string
	LeaderFlags           []bool
	Position              string
}

func (u RemoteUser) IsLeaderAt(i int) bool {
	if i < 0 || i >= len(u.LeaderFlags) {
		return false
	}
	return u.LeaderFlags[i]
}

type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusFailed  SyncStatus = "failed"
)

func (s SyncStatus) Terminal() bool {
	return s == SyncStatusSuccess || s == SyncStatusFailed
}

type SyncOptions struct {
	Provider        Provider `json:"provider"`
	SyncType        SyncType `json:"sync_type"`
	ClearExisting   bool     `json:"clear_existing"`
	SyncDepartments bool     `json:"sync_departments"`
	SyncUsers       bool     `json:"sync_users"`
	SyncManagers    bool     `json:"sync_managers"`
}

func DefaultSyncOptions(provider Provider) SyncOptions {
	return SyncOptions{
		Provider:        provider,
		SyncType:        SyncTypeFull,
		SyncDepartments: true,
		SyncUsers:       true,
		SyncManagers:    true,
	}
}

func (o SyncOptions) Full() bool { return o.SyncType == SyncTypeFull }

type SyncCounts struct {
	Departments    int `json:"departments"`
	Users          int `json:"users"`
	Managers       int `json:"managers"`
	Memberships    int `json:"memberships"`
	OrphansRemoved int `json:"orphans_removed"`
	Deactivated    int `json:"deactivated"`
	Cleared        int `json:"cleared"`
	Warnings       int `json:"warnings"`
	RolesGranted   int `json:"roles_granted"`
	RolesRevoked   int `json:"roles_revoked"`
}

type SyncRun struct {
	ID              string          `json:"id"`
	CompanyID       string          `json:"company_id"`
	Provider        Provider        `json:"provider"`
	SyncType        SyncType        `json:"sync_type"`
	Status          SyncStatus      `json:"status"`
	Counts          SyncCounts      `json:"counts"`
	ErrorDetail     string          `json:"error_detail"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
	OptionsSnapshot json.RawMessage `json:"options_snapshot"`
}

type DirectoryStats struct {
	LinkedUsers       int        `json:"linked_users"`
	Departments       int        `json:"departments"`
	AssignedManagers  int        `json:"assigned_managers"`
	LastSuccessfulRun *time.Time `json:"last_successful_run"`
	EnabledProviders  []Provider `json:"enabled_providers"`
}

type RoleSyncStats struct {
	Members int `json:"members"`
	Granted int `json:"granted"`
	Revoked int `json:"revoked"`
}

type RoleGrant struct {
	MemberID string `json:"member_id"`
	Role     string `json:"role"`
}
