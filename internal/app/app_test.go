package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pagegrid/api/internal/authpw"
	"pagegrid/api/internal/config"
	"pagegrid/api/internal/email"
	"pagegrid/api/internal/store"
)

type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

// memoryStore backs the whole service in tests: user store, project store
// and refresh-session store in one.
type memoryStore struct {
	mu       sync.Mutex
	seq      int
	users    map[string]store.User
	projects map[string]store.Project
	perms    map[string]store.ProjectPermission
	versions map[string][]store.ProjectVersion
	pages    map[string][]store.Page
	sessions map[string]refreshRecord
	pingErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:    make(map[string]store.User),
		projects: make(map[string]store.Project),
		perms:    make(map[string]store.ProjectPermission),
		versions: make(map[string][]store.ProjectVersion),
		pages:    make(map[string][]store.Page),
		sessions: make(map[string]refreshRecord),
	}
}

func (m *memoryStore) nextTime() time.Time {
	m.seq++
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(m.seq) * time.Second)
}

func (m *memoryStore) Ping(context.Context) error { return m.pingErr }

func (m *memoryStore) CreateUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.CreatedAt = m.nextTime()
	m.users[user.ID] = user
	return nil
}

func (m *memoryStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memoryStore) GetUserByEmail(_ context.Context, emailAddr string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == emailAddr {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memoryStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}

func (m *memoryStore) SetPasswordReset(_ context.Context, userID, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordResetToken = token
	user.PasswordResetExpiresAt = &expiresAt
	m.users[userID] = user
	return nil
}

func (m *memoryStore) GetUserByResetToken(_ context.Context, token string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.PasswordResetToken == token && user.PasswordResetExpiresAt != nil && user.PasswordResetExpiresAt.After(time.Now()) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memoryStore) ClearPasswordReset(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordResetToken = ""
	user.PasswordResetExpiresAt = nil
	m.users[userID] = user
	return nil
}

func (m *memoryStore) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[tokenHash] = refreshRecord{userID: user.ID, expiresAt: expiresAt}
	return nil
}

func (m *memoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.sessions[tokenHash]
	if !ok || record.expiresAt.Before(time.Now()) {
		return store.User{}, sql.ErrNoRows
	}
	user, ok := m.users[record.userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, tokenHash)
	return nil
}

func (m *memoryStore) CreateProject(_ context.Context, project store.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	project.CreatedAt = m.nextTime()
	project.UpdatedAt = project.CreatedAt
	m.projects[project.ID] = project
	return nil
}

func (m *memoryStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[projectID]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (m *memoryStore) ListProjectsForUser(_ context.Context, userID string) ([]store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Project
	for _, project := range m.projects {
		if project.OwnerID == userID {
			out = append(out, project)
			continue
		}
		if _, ok := m.perms[project.ID+"/"+userID]; ok {
			out = append(out, project)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) UpdateProject(_ context.Context, projectID, name, description string, isArchived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[projectID]
	if !ok {
		return sql.ErrNoRows
	}
	project.Name = name
	project.Description = description
	project.IsArchived = isArchived
	project.UpdatedAt = m.nextTime()
	m.projects[projectID] = project
	return nil
}

func (m *memoryStore) DeleteProject(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, projectID)
	return nil
}

func (m *memoryStore) AcquireProjectLock(_ context.Context, projectID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[projectID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if project.LockedByID != nil && *project.LockedByID != userID {
		return false, nil
	}
	now := m.nextTime()
	project.LockedByID = &userID
	project.LockedAt = &now
	m.projects[projectID] = project
	return true, nil
}

func (m *memoryStore) ReleaseProjectLock(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[projectID]
	if !ok {
		return sql.ErrNoRows
	}
	project.LockedByID = nil
	project.LockedAt = nil
	m.projects[projectID] = project
	return nil
}

func (m *memoryStore) SetProjectLinkAccess(_ context.Context, projectID string, linkAccess store.LinkAccess, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[projectID]
	if !ok {
		return sql.ErrNoRows
	}
	project.LinkAccess = linkAccess
	project.LinkToken = token
	m.projects[projectID] = project
	return nil
}

func (m *memoryStore) ListPermissions(_ context.Context, projectID string) ([]store.ProjectPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ProjectPermission
	for _, perm := range m.perms {
		if perm.ProjectID != projectID {
			continue
		}
		if user, ok := m.users[perm.UserID]; ok {
			perm.UserEmail = user.Email
			perm.UserName = user.DisplayName
		}
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memoryStore) GetPermission(_ context.Context, projectID, userID string) (*store.ProjectPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	perm, ok := m.perms[projectID+"/"+userID]
	if !ok {
		return nil, nil
	}
	return &perm, nil
}

func (m *memoryStore) UpsertPermission(_ context.Context, perm store.ProjectPermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perms[perm.ProjectID+"/"+perm.UserID] = perm
	return nil
}

func (m *memoryStore) DeletePermission(_ context.Context, projectID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.perms, projectID+"/"+userID)
	return nil
}

func (m *memoryStore) CreateVersion(_ context.Context, version store.ProjectVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	version.CreatedAt = m.nextTime()
	m.versions[version.ProjectID] = append(m.versions[version.ProjectID], version)
	return nil
}

func (m *memoryStore) ListVersions(_ context.Context, projectID string) ([]store.ProjectVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := append([]store.ProjectVersion(nil), m.versions[projectID]...)
	sort.Slice(versions, func(i, j int) bool { return versions[i].CreatedAt.After(versions[j].CreatedAt) })
	return versions, nil
}

func (m *memoryStore) GetVersion(_ context.Context, projectID, versionID string) (store.ProjectVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, version := range m.versions[projectID] {
		if version.ID == versionID {
			return version, nil
		}
	}
	return store.ProjectVersion{}, sql.ErrNoRows
}

func (m *memoryStore) CreatePage(_ context.Context, page store.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page.CreatedAt = m.nextTime()
	m.pages[page.ProjectID] = append(m.pages[page.ProjectID], page)
	return nil
}

func newTestServer(t *testing.T) (*HTTPServer, *memoryStore) {
	t.Helper()
	ms := newMemoryStore()
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		AppBaseURL: "http://localhost:5173",
	}
	svc := New(cfg, ms, ms, authpw.NewService(ms), email.NewService(email.Config{}), zerolog.Nop())
	return NewHTTPServer(svc, "*", zerolog.Nop()), ms
}

// doJSON runs one request through the full handler chain and decodes the
// JSON response.
func doJSON(t *testing.T, server *HTTPServer, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	response := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr.Code, response
}

// signUpUser registers an account and returns the access token and user id.
func signUpUser(t *testing.T, server *HTTPServer, emailAddr, name string) (string, string) {
	t.Helper()
	code, response := doJSON(t, server, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":       emailAddr,
		"password":    "correct-horse",
		"displayName": name,
	})
	if code != http.StatusCreated {
		t.Fatalf("signup for %s: expected 201, got %d (%v)", emailAddr, code, response)
	}
	token, _ := response["accessToken"].(string)
	userID, _ := response["userId"].(string)
	if token == "" || userID == "" {
		t.Fatalf("signup for %s: missing token or user id in %v", emailAddr, response)
	}
	return token, userID
}

// createProject makes a project owned by the token's user and returns its id.
func createProject(t *testing.T, server *HTTPServer, token, name string) string {
	t.Helper()
	code, response := doJSON(t, server, http.MethodPost, "/api/projects", token, map[string]string{
		"name": name,
	})
	if code != http.StatusCreated {
		t.Fatalf("create project %q: expected 201, got %d (%v)", name, code, response)
	}
	projectID, _ := response["id"].(string)
	if projectID == "" {
		t.Fatalf("create project %q: missing id in %v", name, response)
	}
	return projectID
}

func mustString(t *testing.T, response map[string]any, key string) string {
	t.Helper()
	value, ok := response[key].(string)
	if !ok {
		t.Fatalf("expected string %q in %v", key, response)
	}
	return value
}
