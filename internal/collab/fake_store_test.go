package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pagegrid/api/internal/store"
)

// fakeStore is an in-memory Store for relay tests. Pages are keyed by
// client id; creation order is tracked with a synthetic clock so
// FirstLivePage and ListLivePages order deterministically.
type fakeStore struct {
	mu       sync.Mutex
	projects map[string]store.Project
	perms    map[string]store.ProjectPermission // projectID+"/"+userID
	pages    map[string]*store.Page             // projectID+"/"+clientID
	clock    int

	failNext error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: make(map[string]store.Project),
		perms:    make(map[string]store.ProjectPermission),
		pages:    make(map[string]*store.Page),
	}
}

func (f *fakeStore) addProject(p store.Project) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[p.ID] = p
}

func (f *fakeStore) addPermission(projectID, userID string, perm store.Permission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perms[projectID+"/"+userID] = store.ProjectPermission{
		ID:         "perm-" + userID,
		ProjectID:  projectID,
		UserID:     userID,
		Permission: perm,
	}
}

func (f *fakeStore) seedPage(projectID, clientID, name string, isDefault bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock++
	f.pages[projectID+"/"+clientID] = &store.Page{
		ID:        fmt.Sprintf("pg-%d", f.clock),
		ClientID:  clientID,
		ProjectID: projectID,
		Name:      name,
		IsDefault: isDefault,
		CreatedAt: time.Unix(int64(f.clock), 0),
	}
}

func (f *fakeStore) page(projectID, clientID string) store.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[projectID+"/"+clientID]
	if !ok {
		return store.Page{}
	}
	return *p
}

// livePages returns non-deleted pages in creation order. Callers must hold
// f.mu.
func (f *fakeStore) livePages(projectID string) []*store.Page {
	var out []*store.Page
	for _, p := range f.pages {
		if p.ProjectID == projectID && !p.IsDeleted {
			out = append(out, p)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.Before(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

func (f *fakeStore) takeFailure() error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	return nil
}

// ---- ProjectDirectory ----

func (f *fakeStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return store.Project{}, errors.New("no rows")
	}
	return p, nil
}

func (f *fakeStore) GetPermission(_ context.Context, projectID, userID string) (*store.ProjectPermission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	perm, ok := f.perms[projectID+"/"+userID]
	if !ok {
		return nil, nil
	}
	return &perm, nil
}

// ---- PageStore ----

func (f *fakeStore) GetPageByClientID(_ context.Context, projectID, clientID string) (*store.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	p, ok := f.pages[projectID+"/"+clientID]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (f *fakeStore) CreatePage(_ context.Context, page store.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	f.clock++
	page.CreatedAt = time.Unix(int64(f.clock), 0)
	f.pages[page.ProjectID+"/"+page.ClientID] = &page
	return nil
}

func (f *fakeStore) UpdatePage(_ context.Context, pageID string, patch store.PagePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pages {
		if p.ID == pageID {
			applyPatch(p, patch)
			return nil
		}
	}
	return errors.New("no such page")
}

func (f *fakeStore) RestorePage(_ context.Context, pageID string, patch store.PagePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pages {
		if p.ID == pageID {
			p.IsDeleted = false
			applyPatch(p, patch)
			return nil
		}
	}
	return errors.New("no such page")
}

func (f *fakeStore) SoftDeletePage(_ context.Context, pageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pages {
		if p.ID == pageID {
			p.IsDeleted = true
			p.IsDefault = false
			return nil
		}
	}
	return errors.New("no such page")
}

func (f *fakeStore) ClearDefaultPages(_ context.Context, projectID, exceptPageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pages {
		if p.ProjectID == projectID && p.ID != exceptPageID && !p.IsDeleted {
			p.IsDefault = false
		}
	}
	return nil
}

func (f *fakeStore) SetDefaultPage(_ context.Context, pageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pages {
		if p.ID == pageID {
			p.IsDefault = true
			return nil
		}
	}
	return errors.New("no such page")
}

func (f *fakeStore) CountLivePages(_ context.Context, projectID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.livePages(projectID)), nil
}

func (f *fakeStore) FirstLivePage(_ context.Context, projectID string) (*store.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	live := f.livePages(projectID)
	if len(live) == 0 {
		return nil, nil
	}
	copied := *live[0]
	return &copied, nil
}

func (f *fakeStore) ListLivePages(_ context.Context, projectID string) ([]store.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	live := f.livePages(projectID)
	out := make([]store.Page, 0, len(live))
	for _, p := range live {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeStore) TouchProject(_ context.Context, _ string) error {
	return nil
}

func applyPatch(p *store.Page, patch store.PagePatch) {
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.HTML != nil {
		p.HTML = *patch.HTML
	}
	if patch.CSS != nil {
		p.CSS = *patch.CSS
	}
	if len(patch.Components) > 0 {
		p.Components = patch.Components
	}
	if patch.IsDefault != nil {
		p.IsDefault = *patch.IsDefault
	}
}
