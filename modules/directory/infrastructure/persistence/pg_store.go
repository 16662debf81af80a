package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
	"github.com/jacksonlee411/dirsync/pkg/uuidv7"
)

const syntheticRootName = "(unattached)"

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore persists the mirrored directory and the run audit log. Every call
// runs in its own transaction scoped to the company through app.current_tenant.
type PGStore struct {
	pool pgBeginner
}

func NewPGStore(pool pgBeginner) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) inTx(ctx context.Context, companyID string, fn func(tx pgx.Tx) error) error {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return errors.New("company_id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, companyID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func mapPGError(err error) error {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr.Code == "23503" {
		return types.ErrNotFound
	}
	return err
}

func requireAffected(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

const nodeColumns = `id::text, company_id, provider, external_id, name, parent_id::text, sort_order, manager_user_id::text, path, depth`

func scanNode(row pgx.Row, extra ...any) (types.DirectoryNode, error) {
	var n types.DirectoryNode
	var provider string
	dest := append([]any{&n.ID, &n.CompanyID, &provider, &n.ExternalID, &n.Name, &n.ParentID, &n.SortOrder, &n.ManagerUserID, &n.Path, &n.Depth}, extra...)
	if err := row.Scan(dest...); err != nil {
		return types.DirectoryNode{}, err
	}
	n.Provider = types.Provider(provider)
	return n, nil
}

func (s *PGStore) EnsureSyntheticRoot(ctx context.Context, companyID string) (types.DirectoryNode, error) {
	id, err := uuidv7.NewString()
	if err != nil {
		return types.DirectoryNode{}, err
	}
	var out types.DirectoryNode
	err = s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO directory.nodes (id, company_id, provider, external_id, name, path, depth)
VALUES ($1::uuid, $2::text, '', NULL, $3::text, $4::text, 0)
ON CONFLICT (company_id) WHERE external_id IS NULL DO NOTHING;
`, id, companyID, syntheticRootName, "/"+id+"/"); err != nil {
			return err
		}
		n, err := scanNode(tx.QueryRow(ctx, `SELECT `+nodeColumns+` FROM directory.nodes WHERE company_id = $1::text AND external_id IS NULL;`, companyID))
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

func (s *PGStore) UpsertNode(ctx context.Context, companyID string, provider types.Provider, externalID string, name string, sortOrder int64) (types.DirectoryNode, bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return types.DirectoryNode{}, false, errors.New("external_id is required")
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return types.DirectoryNode{}, false, err
	}

	var out types.DirectoryNode
	var created bool
	err = s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		n, err := scanNode(tx.QueryRow(ctx, `
INSERT INTO directory.nodes (id, company_id, provider, external_id, name, sort_order, path, depth)
VALUES ($1::uuid, $2::text, $3::text, $4::text, $5::text, $6::bigint, $7::text, 0)
ON CONFLICT (company_id, provider, external_id)
DO UPDATE SET
  name = EXCLUDED.name,
  sort_order = EXCLUDED.sort_order,
  updated_at = now()
RETURNING `+nodeColumns+`, (xmax = 0);
`, id, companyID, string(provider), externalID, name, sortOrder, "/"+id+"/"), &created)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, created, err
}

func (s *PGStore) FindNodeByExternalID(ctx context.Context, companyID string, provider types.Provider, externalID string) (types.DirectoryNode, bool, error) {
	var out types.DirectoryNode
	var found bool
	err := s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		n, err := scanNode(tx.QueryRow(ctx, `
SELECT `+nodeColumns+`
FROM directory.nodes
WHERE company_id = $1::text AND provider = $2::text AND external_id = $3::text;
`, companyID, string(provider), strings.TrimSpace(externalID)))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out, found = n, true
		return nil
	})
	return out, found, err
}

func (s *PGStore) ListNodes(ctx context.Context, companyID string) ([]types.DirectoryNode, error) {
	out := make([]types.DirectoryNode, 0)
	err := s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+nodeColumns+` FROM directory.nodes WHERE company_id = $1::text ORDER BY id;`, companyID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PGStore) execOne(ctx context.Context, companyID string, sql string, args ...any) error {
	return s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return mapPGError(err)
		}
		return requireAffected(tag)
	})
}

func (s *PGStore) execCount(ctx context.Context, companyID string, sql string, args ...any) (int, error) {
	var n int
	err := s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return mapPGError(err)
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}

func (s *PGStore) SetNodeParent(ctx context.Context, companyID string, nodeID string, parentID *string) error {
	return s.execOne(ctx, companyID, `
UPDATE directory.nodes SET parent_id = $3::uuid, updated_at = now()
WHERE company_id = $1::text AND id = $2::uuid;
`, companyID, nodeID, parentID)
}

func (s *PGStore) SetNodeManager(ctx context.Context, companyID string, nodeID string, managerUserID *string) error {
	return s.execOne(ctx, companyID, `
UPDATE directory.nodes SET manager_user_id = $3::uuid, updated_at = now()
WHERE company_id = $1::text AND id = $2::uuid;
`, companyID, nodeID, managerUserID)
}

func (s *PGStore) UpdateNodeTreeIndex(ctx context.Context, companyID string, nodeID string, path string, depth int) error {
	return s.execOne(ctx, companyID, `
UPDATE directory.nodes SET path = $3::text, depth = $4::int, updated_at = now()
WHERE company_id = $1::text AND id = $2::uuid;
`, companyID, nodeID, path, depth)
}

func (s *PGStore) ReparentChildren(ctx context.Context, companyID string, fromNodeID string, toParentID *string) (int, error) {
	return s.execCount(ctx, companyID, `
UPDATE directory.nodes SET parent_id = $3::uuid, updated_at = now()
WHERE company_id = $1::text AND parent_id = $2::uuid;
`, companyID, fromNodeID, toParentID)
}

func (s *PGStore) DeleteNode(ctx context.Context, companyID string, nodeID string) error {
	return s.execOne(ctx, companyID, `DELETE FROM directory.nodes WHERE company_id = $1::text AND id = $2::uuid;`, companyID, nodeID)
}

const memberColumns = `id::text, company_id, provider, external_id, display_name, phone, email, avatar_url, position,
  primary_department_id::text, asset_owning_department_id::text, active, privileged`

func scanMember(row pgx.Row, extra ...any) (types.DirectoryMember, error) {
	var m types.DirectoryMember
	var provider string
	dest := append([]any{
		&m.ID, &m.CompanyID, &provider, &m.ExternalID, &m.DisplayName, &m.Phone, &m.Email, &m.AvatarURL, &m.Position,
		&m.PrimaryDepartmentID, &m.AssetOwningDepartmentID, &m.Active, &m.Privileged,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return types.DirectoryMember{}, err
	}
	m.Provider = types.Provider(provider)
	return m, nil
}

func (s *PGStore) FindMember(ctx context.Context, companyID string, provider types.Provider, externalID string) (types.DirectoryMember, bool, error) {
	var out types.DirectoryMember
	var found bool
	err := s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		m, err := scanMember(tx.QueryRow(ctx, `
SELECT `+memberColumns+`
FROM directory.members
WHERE company_id = $1::text AND provider = $2::text AND external_id = $3::text;
`, companyID, string(provider), strings.TrimSpace(externalID)))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out, found = m, true
		return nil
	})
	return out, found, err
}

// UpsertMember never writes the privileged flag; it is administered out of band.
func (s *PGStore) UpsertMember(ctx context.Context, m types.DirectoryMember) (types.DirectoryMember, bool, error) {
	m.ExternalID = strings.TrimSpace(m.ExternalID)
	if m.ExternalID == "" {
		return types.DirectoryMember{}, false, errors.New("external_id is required")
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return types.DirectoryMember{}, false, err
	}

	var out types.DirectoryMember
	var created bool
	err = s.inTx(ctx, m.CompanyID, func(tx pgx.Tx) error {
		stored, err := scanMember(tx.QueryRow(ctx, `
INSERT INTO directory.members (
  id, company_id, provider, external_id, display_name, phone, email, avatar_url, position,
  primary_department_id, asset_owning_department_id, active
)
VALUES ($1::uuid, $2::text, $3::text, $4::text, $5::text, $6::text, $7::text, $8::text, $9::text, $10::uuid, $11::uuid, $12::boolean)
ON CONFLICT (company_id, provider, external_id)
DO UPDATE SET
  display_name = EXCLUDED.display_name,
  phone = EXCLUDED.phone,
  email = EXCLUDED.email,
  avatar_url = EXCLUDED.avatar_url,
  position = EXCLUDED.position,
  primary_department_id = EXCLUDED.primary_department_id,
  asset_owning_department_id = EXCLUDED.asset_owning_department_id,
  active = EXCLUDED.active,
  updated_at = now()
RETURNING `+memberColumns+`, (xmax = 0);
`, id, m.CompanyID, string(m.Provider), m.ExternalID, m.DisplayName, m.Phone, m.Email, m.AvatarURL, m.Position,
			m.PrimaryDepartmentID, m.AssetOwningDepartmentID, m.Active), &created)
		if err != nil {
			return mapPGError(err)
		}
		out = stored
		return nil
	})
	return out, created, err
}

func (s *PGStore) ListMembers(ctx context.Context, companyID string, provider types.Provider) ([]types.DirectoryMember, error) {
	out := make([]types.DirectoryMember, 0)
	err := s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT `+memberColumns+`
FROM directory.members
WHERE company_id = $1::text AND ($2::text = '' OR provider = $2::text)
ORDER BY external_id;
`, companyID, string(provider))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMember(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PGStore) DeactivateMember(ctx context.Context, companyID string, memberID string) error {
	return s.execOne(ctx, companyID, `
UPDATE directory.members SET active = false, primary_department_id = NULL, updated_at = now()
WHERE company_id = $1::text AND id = $2::uuid;
`, companyID, memberID)
}

func (s *PGStore) ReleaseManagerReferences(ctx context.Context, companyID string, memberID string) (int, error) {
	return s.execCount(ctx, companyID, `
UPDATE directory.nodes SET manager_user_id = NULL, updated_at = now()
WHERE company_id = $1::text AND manager_user_id = $2::uuid;
`, companyID, memberID)
}

func (s *PGStore) ReassignMemberDepartments(ctx context.Context, companyID string, fromNodeID string, to *string) (int, error) {
	return s.execCount(ctx, companyID, `
UPDATE directory.members SET
  primary_department_id = CASE WHEN primary_department_id = $2::uuid THEN $3::uuid ELSE primary_department_id END,
  asset_owning_department_id = CASE WHEN asset_owning_department_id = $2::uuid THEN $3::uuid ELSE asset_owning_department_id END,
  updated_at = now()
WHERE company_id = $1::text
  AND (primary_department_id = $2::uuid OR asset_owning_department_id = $2::uuid);
`, companyID, fromNodeID, to)
}

func (s *PGStore) UpsertMembership(ctx context.Context, companyID string, rec types.MembershipRecord) error {
	return s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		if rec.IsPrimary {
			// At most one primary row per user; demote the previous one first.
			if _, err := tx.Exec(ctx, `
UPDATE directory.memberships SET is_primary = false
WHERE company_id = $1::text AND user_id = $2::uuid AND department_id <> $3::uuid AND is_primary;
`, companyID, rec.UserID, rec.DepartmentID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
INSERT INTO directory.memberships (company_id, user_id, department_id, is_primary, is_leader, position_label, remote_order)
VALUES ($1::text, $2::uuid, $3::uuid, $4::boolean, $5::boolean, $6::text, $7::int)
ON CONFLICT (user_id, department_id)
DO UPDATE SET
  is_primary = EXCLUDED.is_primary,
  is_leader = EXCLUDED.is_leader,
  position_label = EXCLUDED.position_label,
  remote_order = EXCLUDED.remote_order;
`, companyID, rec.UserID, rec.DepartmentID, rec.IsPrimary, rec.IsLeader, rec.PositionLabel, rec.RemoteOrder)
		return mapPGError(err)
	})
}

func (s *PGStore) ListMemberships(ctx context.Context, companyID string, userID string) ([]types.MembershipRecord, error) {
	out := make([]types.MembershipRecord, 0)
	err := s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT user_id::text, department_id::text, is_primary, is_leader, position_label, remote_order
FROM directory.memberships
WHERE company_id = $1::text AND user_id = $2::uuid
ORDER BY remote_order, department_id;
`, companyID, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r types.MembershipRecord
			if err := rows.Scan(&r.UserID, &r.DepartmentID, &r.IsPrimary, &r.IsLeader, &r.PositionLabel, &r.RemoteOrder); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PGStore) DeleteMembershipsExcept(ctx context.Context, companyID string, userID string, keepDepartmentIDs []string) (int, error) {
	if keepDepartmentIDs == nil {
		keepDepartmentIDs = []string{}
	}
	return s.execCount(ctx, companyID, `
DELETE FROM directory.memberships
WHERE company_id = $1::text AND user_id = $2::uuid AND NOT (department_id::text = ANY($3::text[]));
`, companyID, userID, keepDepartmentIDs)
}

func (s *PGStore) ClearProvider(ctx context.Context, companyID string, provider types.Provider, preserveMemberIDs []string) (int, error) {
	if preserveMemberIDs == nil {
		preserveMemberIDs = []string{}
	}
	var removed int
	err := s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
DELETE FROM directory.members
WHERE company_id = $1::text AND provider = $2::text AND NOT (id::text = ANY($3::text[]));
`, companyID, string(provider), preserveMemberIDs)
		if err != nil {
			return err
		}
		removed += int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `DELETE FROM directory.nodes WHERE company_id = $1::text AND provider = $2::text;`, companyID, string(provider))
		if err != nil {
			return err
		}
		removed += int(tag.RowsAffected())
		return nil
	})
	return removed, err
}

func (s *PGStore) ListRoleGrants(ctx context.Context, companyID string) ([]types.RoleGrant, error) {
	out := make([]types.RoleGrant, 0)
	err := s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT member_id::text, role
FROM directory.member_roles
WHERE company_id = $1::text
ORDER BY member_id, role;
`, companyID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var g types.RoleGrant
			if err := rows.Scan(&g.MemberID, &g.Role); err != nil {
				return err
			}
			out = append(out, g)
		}
		return rows.Err()
	})
	return out, err
}

// GrantRole is idempotent. The grant inherits the member's company so a
// foreign member id inserts nothing and reports ErrNotFound.
func (s *PGStore) GrantRole(ctx context.Context, companyID string, memberID string, role string) error {
	return s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM directory.members WHERE company_id = $1::text AND id = $2::uuid);
`, companyID, memberID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return types.ErrNotFound
		}
		_, err := tx.Exec(ctx, `
INSERT INTO directory.member_roles (company_id, member_id, role)
VALUES ($1::text, $2::uuid, $3::text)
ON CONFLICT (member_id, role) DO NOTHING;
`, companyID, memberID, role)
		return err
	})
}

func (s *PGStore) RevokeRole(ctx context.Context, companyID string, memberID string, role string) error {
	return s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
DELETE FROM directory.member_roles
WHERE company_id = $1::text AND member_id = $2::uuid AND role = $3::text;
`, companyID, memberID, role)
		return err
	})
}

func (s *PGStore) Stats(ctx context.Context, companyID string) (types.DirectoryStats, error) {
	var out types.DirectoryStats
	err := s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
SELECT
  (SELECT count(*) FROM directory.members WHERE company_id = $1::text AND active),
  (SELECT count(*) FROM directory.nodes WHERE company_id = $1::text AND external_id IS NOT NULL),
  (SELECT count(*) FROM directory.nodes WHERE company_id = $1::text AND external_id IS NOT NULL AND manager_user_id IS NOT NULL);
`, companyID).Scan(&out.LinkedUsers, &out.Departments, &out.AssignedManagers)
	})
	return out, err
}

func (s *PGStore) CreateRun(ctx context.Context, run types.SyncRun) error {
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return err
	}
	snapshot := run.OptionsSnapshot
	if len(snapshot) == 0 {
		snapshot = json.RawMessage(`{}`)
	}
	return s.inTx(ctx, run.CompanyID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO directory.sync_runs (id, company_id, provider, sync_type, status, counts, error_detail, options_snapshot, started_at)
VALUES ($1::uuid, $2::text, $3::text, $4::text, $5::text, $6::jsonb, $7::text, $8::jsonb, $9::timestamptz);
`, run.ID, run.CompanyID, string(run.Provider), string(run.SyncType), string(run.Status), counts, run.ErrorDetail, []byte(snapshot), run.StartedAt)
		return err
	})
}

func (s *PGStore) FinalizeRun(ctx context.Context, run types.SyncRun) error {
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return err
	}
	return s.inTx(ctx, run.CompanyID, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `
SELECT status FROM directory.sync_runs WHERE company_id = $1::text AND id = $2::uuid FOR UPDATE;
`, run.CompanyID, run.ID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		if types.SyncStatus(status).Terminal() {
			return types.ErrRunAlreadyFinalized
		}
		_, err = tx.Exec(ctx, `
UPDATE directory.sync_runs
SET status = $3::text, counts = $4::jsonb, error_detail = $5::text, completed_at = $6::timestamptz
WHERE company_id = $1::text AND id = $2::uuid;
`, run.CompanyID, run.ID, string(run.Status), counts, run.ErrorDetail, run.CompletedAt)
		return err
	})
}

func (s *PGStore) ListRuns(ctx context.Context, companyID string, provider types.Provider, limit int) ([]types.SyncRun, error) {
	out := make([]types.SyncRun, 0)
	err := s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT id::text, company_id, provider, sync_type, status, counts, error_detail, options_snapshot, started_at, completed_at
FROM directory.sync_runs
WHERE company_id = $1::text AND ($2::text = '' OR provider = $2::text)
ORDER BY started_at DESC, id DESC
LIMIT NULLIF($3::int, 0);
`, companyID, string(provider), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r types.SyncRun
			var provider, syncType, status string
			var counts, snapshot []byte
			if err := rows.Scan(&r.ID, &r.CompanyID, &provider, &syncType, &status, &counts, &r.ErrorDetail, &snapshot, &r.StartedAt, &r.CompletedAt); err != nil {
				return err
			}
			if err := json.Unmarshal(counts, &r.Counts); err != nil {
				return err
			}
			r.Provider = types.Provider(provider)
			r.SyncType = types.SyncType(syncType)
			r.Status = types.SyncStatus(status)
			r.OptionsSnapshot = json.RawMessage(snapshot)
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PGStore) LastSuccessfulRun(ctx context.Context, companyID string, provider types.Provider) (*time.Time, error) {
	var last *time.Time
	err := s.inTx(ctx, companyID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
SELECT max(completed_at)
FROM directory.sync_runs
WHERE company_id = $1::text AND status = 'success' AND ($2::text = '' OR provider = $2::text);
`, companyID, string(provider)).Scan(&last)
	})
	return last, err
}
