package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

const userColumns = `id, email, display_name, password_hash, password_reset_token, password_reset_expires_at, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	var resetToken sql.NullString
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&user.PasswordHash,
		&resetToken,
		&user.PasswordResetExpiresAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	user.PasswordResetToken = resetToken.String
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, LOWER($2), $3, $4)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetPasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_reset_token=$2, password_reset_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByResetToken(ctx context.Context, token string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE password_reset_token=$1 AND password_reset_expires_at > NOW()
	`, token)
	return scanUser(row)
}

func (s *PostgresStore) ClearPasswordReset(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_reset_token=NULL, password_reset_expires_at=NULL, updated_at=NOW() WHERE id=$1
	`, userID)
	if err != nil {
		return fmt.Errorf("clear password reset: %w", err)
	}
	return nil
}

// ---- refresh sessions (Postgres fallback when Redis is not configured) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.display_name
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.DisplayName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ---- projects ----

const projectColumns = `id, name, description, owner_id, is_archived, locked_by_id, locked_at, link_access, link_token, created_at, updated_at`

func scanProject(scan func(dest ...any) error) (Project, error) {
	var item Project
	err := scan(
		&item.ID,
		&item.Name,
		&item.Description,
		&item.OwnerID,
		&item.IsArchived,
		&item.LockedByID,
		&item.LockedAt,
		&item.LinkAccess,
		&item.LinkToken,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, item Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, owner_id, link_access, link_token)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.Name, item.Description, item.OwnerID, item.LinkAccess, item.LinkToken)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, projectID)
	return scanProject(row.Scan)
}

// ListProjectsForUser returns projects the user owns plus those shared with
// them through a permission row, most recently updated first.
func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT p.id, p.name, p.description, p.owner_id, p.is_archived, p.locked_by_id, p.locked_at, p.link_access, p.link_token, p.created_at, p.updated_at
		FROM projects p
		LEFT JOIN project_permissions pp ON pp.project_id = p.id AND pp.user_id = $1
		WHERE p.owner_id = $1 OR pp.user_id IS NOT NULL
		ORDER BY p.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		item, err := scanProject(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, projectID, name, description string, isArchived bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name=$2, description=$3, is_archived=$4, updated_at=NOW()
		WHERE id=$1
	`, projectID, name, description, isArchived)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// AcquireProjectLock takes the exclusive edit lease for userID. It reports
// false when another user already holds it; re-acquiring one's own lease
// refreshes locked_at.
func (s *PostgresStore) AcquireProjectLock(ctx context.Context, projectID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET locked_by_id=$2, locked_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND (locked_by_id IS NULL OR locked_by_id=$2)
	`, projectID, userID)
	if err != nil {
		return false, fmt.Errorf("acquire project lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire project lock: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ReleaseProjectLock(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET locked_by_id=NULL, locked_at=NULL, updated_at=NOW() WHERE id=$1
	`, projectID)
	if err != nil {
		return fmt.Errorf("release project lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetProjectLinkAccess(ctx context.Context, projectID string, access LinkAccess, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET link_access=$2, link_token=$3, updated_at=NOW() WHERE id=$1
	`, projectID, access, token)
	if err != nil {
		return fmt.Errorf("set link access: %w", err)
	}
	return nil
}

// TouchProject bumps updated_at, used when page content changes through the
// relay so project listings sort by real activity.
func (s *PostgresStore) TouchProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET updated_at=NOW() WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

// ---- permissions ----

func (s *PostgresStore) ListPermissions(ctx context.Context, projectID string) ([]ProjectPermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pp.id, pp.project_id, pp.user_id, pp.permission, u.email, u.display_name
		FROM project_permissions pp
		JOIN users u ON u.id = pp.user_id
		WHERE pp.project_id=$1
		ORDER BY u.display_name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectPermission, 0)
	for rows.Next() {
		var item ProjectPermission
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.UserID, &item.Permission, &item.UserEmail, &item.UserName); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return items, nil
}

// GetPermission returns nil when the user has no permission row for the
// project.
func (s *PostgresStore) GetPermission(ctx context.Context, projectID, userID string) (*ProjectPermission, error) {
	var item ProjectPermission
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, user_id, permission
		FROM project_permissions
		WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&item.ID, &item.ProjectID, &item.UserID, &item.Permission)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get permission: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) UpsertPermission(ctx context.Context, item ProjectPermission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_permissions (id, project_id, user_id, permission)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, user_id) DO UPDATE SET permission=EXCLUDED.permission
	`, item.ID, item.ProjectID, item.UserID, item.Permission)
	if err != nil {
		return fmt.Errorf("upsert permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePermission(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM project_permissions WHERE project_id=$1 AND user_id=$2
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("delete permission: %w", err)
	}
	return nil
}

// ---- versions ----

func (s *PostgresStore) CreateVersion(ctx context.Context, item ProjectVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_versions (id, project_id, created_by_id, comment, snapshot)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.ProjectID, item.CreatedByID, item.Comment, []byte(item.Snapshot))
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, projectID string) ([]ProjectVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, created_by_id, comment, snapshot, created_at
		FROM project_versions
		WHERE project_id=$1
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectVersion, 0)
	for rows.Next() {
		var item ProjectVersion
		var snapshot []byte
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.CreatedByID, &item.Comment, &snapshot, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		item.Snapshot = snapshot
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, projectID, versionID string) (ProjectVersion, error) {
	var item ProjectVersion
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, created_by_id, comment, snapshot, created_at
		FROM project_versions
		WHERE project_id=$1 AND id=$2
	`, projectID, versionID).Scan(&item.ID, &item.ProjectID, &item.CreatedByID, &item.Comment, &snapshot, &item.CreatedAt)
	if err != nil {
		return ProjectVersion{}, err
	}
	item.Snapshot = snapshot
	return item, nil
}

// ---- pages ----

const pageColumns = `id, client_id, project_id, name, html, css, components, is_default, is_deleted, created_at, updated_at`

func scanPage(scan func(dest ...any) error) (Page, error) {
	var item Page
	var components []byte
	err := scan(
		&item.ID,
		&item.ClientID,
		&item.ProjectID,
		&item.Name,
		&item.HTML,
		&item.CSS,
		&components,
		&item.IsDefault,
		&item.IsDeleted,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Page{}, err
	}
	item.Components = components
	return item, nil
}

func (s *PostgresStore) CreatePage(ctx context.Context, item Page) error {
	var components any
	if len(item.Components) > 0 {
		components = []byte(item.Components)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (id, client_id, project_id, name, html, css, components, is_default)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.ClientID, item.ProjectID, item.Name, item.HTML, item.CSS, components, item.IsDefault)
	if err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// GetPageByClientID looks up a page by its editor-chosen id, including
// soft-deleted rows. Returns nil when no row exists.
func (s *PostgresStore) GetPageByClientID(ctx context.Context, projectID, clientID string) (*Page, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pageColumns+` FROM pages WHERE project_id=$1 AND client_id=$2
	`, projectID, clientID)
	item, err := scanPage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) UpdatePage(ctx context.Context, pageID string, patch PagePatch) error {
	var components any
	if len(patch.Components) > 0 {
		components = []byte(patch.Components)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pages
		SET name=COALESCE($2, name),
			html=COALESCE($3, html),
			css=COALESCE($4, css),
			components=COALESCE($5, components),
			is_default=COALESCE($6, is_default),
			updated_at=NOW()
		WHERE id=$1
	`, pageID, patch.Name, patch.HTML, patch.CSS, components, patch.IsDefault)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	return nil
}

// RestorePage revives a soft-deleted page and applies the patch in the same
// statement.
func (s *PostgresStore) RestorePage(ctx context.Context, pageID string, patch PagePatch) error {
	var components any
	if len(patch.Components) > 0 {
		components = []byte(patch.Components)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pages
		SET is_deleted=FALSE,
			name=COALESCE($2, name),
			html=COALESCE($3, html),
			css=COALESCE($4, css),
			components=COALESCE($5, components),
			is_default=COALESCE($6, is_default),
			updated_at=NOW()
		WHERE id=$1
	`, pageID, patch.Name, patch.HTML, patch.CSS, components, patch.IsDefault)
	if err != nil {
		return fmt.Errorf("restore page: %w", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeletePage(ctx context.Context, pageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pages SET is_deleted=TRUE, is_default=FALSE, updated_at=NOW() WHERE id=$1
	`, pageID)
	if err != nil {
		return fmt.Errorf("soft delete page: %w", err)
	}
	return nil
}

// ClearDefaultPages drops the default flag on every live page of the project
// except exceptPageID (pass "" to clear all).
func (s *PostgresStore) ClearDefaultPages(ctx context.Context, projectID, exceptPageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pages
		SET is_default=FALSE, updated_at=NOW()
		WHERE project_id=$1 AND id<>$2 AND is_default AND NOT is_deleted
	`, projectID, exceptPageID)
	if err != nil {
		return fmt.Errorf("clear default pages: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetDefaultPage(ctx context.Context, pageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pages SET is_default=TRUE, updated_at=NOW() WHERE id=$1
	`, pageID)
	if err != nil {
		return fmt.Errorf("set default page: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountLivePages(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pages WHERE project_id=$1 AND NOT is_deleted
	`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count live pages: %w", err)
	}
	return count, nil
}

// FirstLivePage returns the oldest live page, or nil when the project has
// none.
func (s *PostgresStore) FirstLivePage(ctx context.Context, projectID string) (*Page, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pageColumns+`
		FROM pages
		WHERE project_id=$1 AND NOT is_deleted
		ORDER BY created_at ASC
		LIMIT 1
	`, projectID)
	item, err := scanPage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("first live page: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListLivePages(ctx context.Context, projectID string) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pageColumns+`
		FROM pages
		WHERE project_id=$1 AND NOT is_deleted
		ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list live pages: %w", err)
	}
	defer rows.Close()

	items := make([]Page, 0)
	for rows.Next() {
		item, err := scanPage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return items, nil
}
