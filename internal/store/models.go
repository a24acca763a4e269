package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                     string
	Email                  string
	DisplayName            string
	PasswordHash           string
	PasswordResetToken     string
	PasswordResetExpiresAt *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// LinkAccess is the capability granted to anyone presenting the project's
// link token, independent of explicit per-user permissions.
type LinkAccess string

const (
	LinkAccessNone  LinkAccess = "none"
	LinkAccessRead  LinkAccess = "read"
	LinkAccessWrite LinkAccess = "write"
)

type Project struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	IsArchived  bool
	// Lock fields are both nil or both set; together they form a single
	// exclusive writer lease.
	LockedByID *string
	LockedAt   *time.Time
	LinkAccess LinkAccess
	LinkToken  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// ProjectPermission grants a user access to a project. At most one row per
// (project, user) pair; writes are upserts.
type ProjectPermission struct {
	ID         string
	ProjectID  string
	UserID     string
	Permission Permission
	// Joined fields for API responses
	UserEmail string
	UserName  string
}

// ProjectVersion is an immutable snapshot of project content. Restoring an
// old version appends a new row copying its snapshot; history is never
// rewritten.
type ProjectVersion struct {
	ID          string
	ProjectID   string
	CreatedByID string
	Comment     string
	Snapshot    json.RawMessage
	CreatedAt   time.Time
}

// Page is one page of a project. ClientID is the editor-chosen stable id,
// unique within the project across both live and soft-deleted rows.
type Page struct {
	ID         string
	ClientID   string
	ProjectID  string
	Name       string
	HTML       string
	CSS        string
	Components json.RawMessage
	IsDefault  bool
	IsDeleted  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PagePatch carries partial field updates for a page. Nil fields are left
// untouched.
type PagePatch struct {
	Name       *string
	HTML       *string
	CSS        *string
	Components json.RawMessage
	IsDefault  *bool
}
