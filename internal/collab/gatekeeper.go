package collab

import (
	"context"
	"net/http"
	"strings"

	"pagegrid/api/internal/access"
	"pagegrid/api/internal/auth"
	"pagegrid/api/internal/store"
)

// Session is the immutable identity attached to a connection once the
// handshake succeeds. It is produced by the gatekeeper and threaded into
// every handler call; nothing mutates it afterwards.
type Session struct {
	UserID    string
	Email     string
	Name      string
	ProjectID string
	// CanWrite caches the write decision made at handshake time. Page
	// mutations re-check nothing per event; revoking access takes effect on
	// the next connection.
	CanWrite bool
}

// Rejection is a handshake failure surfaced before the WebSocket upgrade.
type Rejection struct {
	Status  int
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

func reject(status int, message string) *Rejection {
	return &Rejection{Status: status, Message: message}
}

// ProjectDirectory is the slice of the store the gatekeeper needs: one
// project lookup and one permission lookup per connection attempt.
type ProjectDirectory interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	GetPermission(ctx context.Context, projectID, userID string) (*store.ProjectPermission, error)
}

// Gatekeeper authenticates and authorizes a connection attempt before it is
// allowed to become a room member.
type Gatekeeper struct {
	secret   []byte
	projects ProjectDirectory
}

func NewGatekeeper(secret []byte, projects ProjectDirectory) *Gatekeeper {
	return &Gatekeeper{secret: secret, projects: projects}
}

// Authorize runs the handshake checks in order and returns the session for
// the connection, or a rejection. Token verification failures collapse into
// one generic message so a caller cannot distinguish missing, malformed and
// expired credentials beyond the required-parameter checks.
func (g *Gatekeeper) Authorize(ctx context.Context, r *http.Request) (Session, *Rejection) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, reject(http.StatusUnauthorized, "authentication required")
	}

	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		return Session{}, reject(http.StatusBadRequest, "project id required")
	}

	claims, err := auth.ParseToken(g.secret, token)
	if err != nil {
		return Session{}, reject(http.StatusUnauthorized, "authentication failed")
	}

	project, err := g.projects.GetProject(ctx, projectID)
	if err != nil {
		return Session{}, reject(http.StatusNotFound, "project not found")
	}

	perm, err := g.projects.GetPermission(ctx, projectID, claims.Sub)
	if err != nil {
		return Session{}, reject(http.StatusNotFound, "project not found")
	}
	var perms []store.ProjectPermission
	if perm != nil {
		perms = []store.ProjectPermission{*perm}
	}

	linkToken := r.URL.Query().Get("linkToken")
	if !access.CanRead(project, perms, claims.Sub, linkToken) {
		return Session{}, reject(http.StatusForbidden, "forbidden")
	}

	return Session{
		UserID:    claims.Sub,
		Email:     claims.Email,
		Name:      claims.Name,
		ProjectID: projectID,
		CanWrite:  access.CanWrite(project, perms, claims.Sub, linkToken),
	}, nil
}

// bearerToken pulls the credential from the Authorization header or, for
// browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
