package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pagegrid/api/internal/access"
	"pagegrid/api/internal/auth"
	"pagegrid/api/internal/authpw"
	"pagegrid/api/internal/config"
	"pagegrid/api/internal/email"
	"pagegrid/api/internal/store"
	"pagegrid/api/internal/util"
)

// Session is an authenticated caller. It is rebuilt from the access token on
// every request; nothing here is stored server-side except the refresh token.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjectsForUser(context.Context, string) ([]store.Project, error)
	UpdateProject(context.Context, string, string, string, bool) error
	DeleteProject(context.Context, string) error
	AcquireProjectLock(context.Context, string, string) (bool, error)
	ReleaseProjectLock(context.Context, string) error
	SetProjectLinkAccess(context.Context, string, store.LinkAccess, string) error
	ListPermissions(context.Context, string) ([]store.ProjectPermission, error)
	GetPermission(context.Context, string, string) (*store.ProjectPermission, error)
	UpsertPermission(context.Context, store.ProjectPermission) error
	DeletePermission(context.Context, string, string) error
	CreateVersion(context.Context, store.ProjectVersion) error
	ListVersions(context.Context, string) ([]store.ProjectVersion, error)
	GetVersion(context.Context, string, string) (store.ProjectVersion, error)
	CreatePage(context.Context, store.Page) error
}

// sessionStore is the refresh-token backend. Redis when configured, the
// relational store otherwise; both speak the same shape.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// PostgresSessions adapts the relational store to the refresh-token backend
// interface for deployments without Redis.
type PostgresSessions struct {
	Store *store.PostgresStore
}

func (p PostgresSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.Store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p PostgresSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.Store.LookupRefreshSession(ctx, tokenHash)
}

func (p PostgresSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.Store.RevokeRefreshSession(ctx, tokenHash)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	auth     *authpw.Service
	email    *email.Service
	logger   zerolog.Logger
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, authSvc *authpw.Service, emailSvc *email.Service, logger zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		auth:     authSvc,
		email:    emailSvc,
		logger:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SignUp registers a user and signs them in immediately.
func (s *Service) SignUp(ctx context.Context, emailAddr, password, displayName string) (Session, error) {
	user, err := s.auth.SignUp(ctx, authpw.SignUpRequest{
		Email:       emailAddr,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.auth.SignIn(ctx, authpw.SignInRequest{Email: emailAddr, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// RequestPasswordReset issues a reset token and emails it when SMTP is
// configured. The returned token feeds the dev bypass only; the HTTP layer
// must never expose it in production responses.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) (string, error) {
	token, user, err := s.auth.RequestPasswordReset(ctx, emailAddr)
	if err != nil || token == "" {
		return "", err
	}
	if s.SMTPConfigured() {
		resetURL := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/reset-password?token=" + token
		if err := s.email.SendPasswordResetEmail(user.Email, user.DisplayName, resetURL); err != nil {
			s.logger.Error().Err(err).Str("user_id", user.ID).Msg("send password reset email")
		}
	}
	return token, nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	return s.auth.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword})
}

// Refresh rotates the refresh token: the presented token is revoked and a
// fresh pair is issued, so each refresh token works exactly once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.DisplayName,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	// The user row is re-read so a deleted account invalidates its
	// outstanding tokens.
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// CreateProject creates the project together with its default "Home" page so
// a project is never without a default page.
func (s *Service) CreateProject(ctx context.Context, session Session, name, description string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errValidation("name is required")
	}

	project := store.Project{
		ID:          util.NewID("prj"),
		Name:        name,
		Description: strings.TrimSpace(description),
		OwnerID:     session.UserID,
		LinkAccess:  store.LinkAccessNone,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}

	home := store.Page{
		ID:        util.NewID("pag"),
		ClientID:  util.NewID("page"),
		ProjectID: project.ID,
		Name:      "Home",
		IsDefault: true,
	}
	if err := s.store.CreatePage(ctx, home); err != nil {
		return nil, err
	}

	return projectPayload(project), nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) (map[string]any, error) {
	projects, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		items = append(items, projectPayload(p))
	}
	return map[string]any{"projects": items}, nil
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID, linkToken string) (map[string]any, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, session, project, linkToken, false); err != nil {
		return nil, err
	}
	return projectPayload(project), nil
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, name, description *string, isArchived *bool) (map[string]any, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, session, project, "", true); err != nil {
		return nil, err
	}

	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			return nil, errValidation("name cannot be empty")
		}
		project.Name = trimmed
	}
	if description != nil {
		project.Description = strings.TrimSpace(*description)
	}
	if isArchived != nil {
		project.IsArchived = *isArchived
	}

	if err := s.store.UpdateProject(ctx, project.ID, project.Name, project.Description, project.IsArchived); err != nil {
		return nil, err
	}
	return projectPayload(project), nil
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.OwnerID != session.UserID {
		return errForbidden("Only the owner can delete a project")
	}
	return s.store.DeleteProject(ctx, projectID)
}

// AcquireLock takes the exclusive edit lease. Re-acquiring a lease you
// already hold succeeds; a lease held by anyone else yields 409.
func (s *Service) AcquireLock(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, session, project, "", true); err != nil {
		return nil, err
	}

	acquired, err := s.store.AcquireProjectLock(ctx, projectID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, errConflict("LOCKED", "Project is locked by another user")
	}
	return map[string]any{"locked": true, "lockedBy": session.UserID}, nil
}

func (s *Service) ReleaseLock(ctx context.Context, session Session, projectID string) error {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.LockedByID == nil {
		return nil
	}
	if *project.LockedByID != session.UserID && project.OwnerID != session.UserID {
		return errForbidden("Lock is held by another user")
	}
	return s.store.ReleaseProjectLock(ctx, projectID)
}

// SetLinkAccess configures link sharing. Enabling rotates the token so old
// links stop working; disabling clears it.
func (s *Service) SetLinkAccess(ctx context.Context, session Session, projectID, level string) (map[string]any, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != session.UserID {
		return nil, errForbidden("Only the owner can change link sharing")
	}

	linkAccess := store.LinkAccess(level)
	switch linkAccess {
	case store.LinkAccessNone, store.LinkAccessRead, store.LinkAccessWrite:
	default:
		return nil, errValidation("access must be none, read or write")
	}

	token := ""
	if linkAccess != store.LinkAccessNone {
		token = util.NewID("lnk")
	}
	if err := s.store.SetProjectLinkAccess(ctx, projectID, linkAccess, token); err != nil {
		return nil, err
	}
	return map[string]any{"linkAccess": string(linkAccess), "linkToken": token}, nil
}

func (s *Service) ListProjectPermissions(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != session.UserID {
		return nil, errForbidden("Only the owner can manage permissions")
	}

	perms, err := s.store.ListPermissions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(perms))
	for _, p := range perms {
		items = append(items, map[string]any{
			"userId":     p.UserID,
			"email":      p.UserEmail,
			"userName":   p.UserName,
			"permission": string(p.Permission),
		})
	}
	return map[string]any{"permissions": items}, nil
}

// GrantPermission adds or updates a collaborator, addressed by email.
func (s *Service) GrantPermission(ctx context.Context, session Session, projectID, emailAddr, level string) (map[string]any, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != session.UserID {
		return nil, errForbidden("Only the owner can manage permissions")
	}

	permission := store.Permission(level)
	if permission != store.PermissionRead && permission != store.PermissionWrite {
		return nil, errValidation("permission must be read or write")
	}

	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(emailAddr)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("USER_NOT_FOUND", "No account with that email")
		}
		return nil, err
	}
	if user.ID == project.OwnerID {
		return nil, errValidation("The owner already has full access")
	}

	if err := s.store.UpsertPermission(ctx, store.ProjectPermission{
		ID:         util.NewID("perm"),
		ProjectID:  projectID,
		UserID:     user.ID,
		Permission: permission,
	}); err != nil {
		return nil, err
	}
	return map[string]any{
		"userId":     user.ID,
		"email":      user.Email,
		"userName":   user.DisplayName,
		"permission": string(permission),
	}, nil
}

func (s *Service) RevokePermission(ctx context.Context, session Session, projectID, userID string) error {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.OwnerID != session.UserID {
		return errForbidden("Only the owner can manage permissions")
	}
	return s.store.DeletePermission(ctx, projectID, userID)
}

func (s *Service) ListVersions(ctx context.Context, session Session, projectID, linkToken string) (map[string]any, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, session, project, linkToken, false); err != nil {
		return nil, err
	}

	versions, err := s.store.ListVersions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionMeta(v))
	}
	return map[string]any{"versions": items}, nil
}

func (s *Service) CreateVersion(ctx context.Context, session Session, projectID, comment string, snapshot json.RawMessage) (map[string]any, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, session, project, "", true); err != nil {
		return nil, err
	}
	if len(snapshot) == 0 {
		return nil, errValidation("snapshot is required")
	}

	version := store.ProjectVersion{
		ID:          util.NewID("ver"),
		ProjectID:   projectID,
		CreatedByID: session.UserID,
		Comment:     strings.TrimSpace(comment),
		Snapshot:    snapshot,
	}
	if err := s.store.CreateVersion(ctx, version); err != nil {
		return nil, err
	}
	return versionMeta(version), nil
}

// RestoreVersion appends a new version copying the old snapshot. History is
// never rewritten; the restored state simply becomes the latest version.
func (s *Service) RestoreVersion(ctx context.Context, session Session, projectID, versionID string) (map[string]any, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, session, project, "", true); err != nil {
		return nil, err
	}

	source, err := s.store.GetVersion(ctx, projectID, versionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("NOT_FOUND", "Version not found")
		}
		return nil, err
	}

	restored := store.ProjectVersion{
		ID:          util.NewID("ver"),
		ProjectID:   projectID,
		CreatedByID: session.UserID,
		Comment:     "Restored from " + source.ID,
		Snapshot:    source.Snapshot,
	}
	if err := s.store.CreateVersion(ctx, restored); err != nil {
		return nil, err
	}
	payload := versionMeta(restored)
	payload["snapshot"] = restored.Snapshot
	return payload, nil
}

func (s *Service) loadProject(ctx context.Context, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, errNotFound("NOT_FOUND", "Project not found")
		}
		return store.Project{}, err
	}
	return project, nil
}

func (s *Service) authorize(ctx context.Context, session Session, project store.Project, linkToken string, needWrite bool) error {
	var perms []store.ProjectPermission
	perm, err := s.store.GetPermission(ctx, project.ID, session.UserID)
	if err != nil {
		return err
	}
	if perm != nil {
		perms = []store.ProjectPermission{*perm}
	}
	allowed := access.CanRead(project, perms, session.UserID, linkToken)
	if needWrite {
		allowed = access.CanWrite(project, perms, session.UserID, linkToken)
	}
	if !allowed {
		return errForbidden("Forbidden")
	}
	return nil
}

func projectPayload(p store.Project) map[string]any {
	payload := map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"ownerId":     p.OwnerID,
		"isArchived":  p.IsArchived,
		"linkAccess":  string(p.LinkAccess),
	}
	if p.LockedByID != nil {
		payload["lockedBy"] = *p.LockedByID
	}
	if !p.CreatedAt.IsZero() {
		payload["createdAt"] = p.CreatedAt.Format(time.RFC3339)
	}
	if !p.UpdatedAt.IsZero() {
		payload["updatedAt"] = p.UpdatedAt.Format(time.RFC3339)
	}
	return payload
}

func versionMeta(v store.ProjectVersion) map[string]any {
	payload := map[string]any{
		"id":        v.ID,
		"projectId": v.ProjectID,
		"createdBy": v.CreatedByID,
		"comment":   v.Comment,
	}
	if !v.CreatedAt.IsZero() {
		payload["createdAt"] = v.CreatedAt.Format(time.RFC3339)
	}
	return payload
}
