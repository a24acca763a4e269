package collab

import (
	"context"
	"errors"
	"fmt"

	"pagegrid/api/internal/store"
	"pagegrid/api/internal/util"
)

// Invariant violations reported back to the offending connection. These are
// expected conditions, not faults.
var (
	ErrLastPage     = errors.New("cannot delete the only page in the project")
	ErrPageNotFound = errors.New("page not found")
)

// validationError marks a client mistake in a page payload. The message is
// relayed back to the sender verbatim instead of being logged as a fault.
type validationError string

func (e validationError) Error() string { return string(e) }

// PageStore is the slice of the persistence layer the page lifecycle needs.
type PageStore interface {
	GetPageByClientID(ctx context.Context, projectID, clientID string) (*store.Page, error)
	CreatePage(ctx context.Context, page store.Page) error
	UpdatePage(ctx context.Context, pageID string, patch store.PagePatch) error
	RestorePage(ctx context.Context, pageID string, patch store.PagePatch) error
	SoftDeletePage(ctx context.Context, pageID string) error
	ClearDefaultPages(ctx context.Context, projectID, exceptPageID string) error
	SetDefaultPage(ctx context.Context, pageID string) error
	CountLivePages(ctx context.Context, projectID string) (int, error)
	FirstLivePage(ctx context.Context, projectID string) (*store.Page, error)
	ListLivePages(ctx context.Context, projectID string) ([]store.Page, error)
	TouchProject(ctx context.Context, projectID string) error
}

// Pages maintains the durable page records behind the page:* events and
// enforces the two room-wide invariants: among live pages exactly one is
// default whenever any exist, and the last live page cannot be deleted.
// All three mutating handlers go through this one type so the rules cannot
// drift apart.
type Pages struct {
	store PageStore
}

func NewPages(store PageStore) *Pages {
	return &Pages{store: store}
}

// Add creates the page if the client id is unused, or restores and updates
// a soft-deleted page that had the same client id. Adding over a live page
// with the same client id is a no-op, so re-sent add events stay harmless.
func (p *Pages) Add(ctx context.Context, projectID, clientID, name string, data *PageData) error {
	if clientID == "" || name == "" {
		return validationError("page id and page name are required")
	}

	existing, err := p.store.GetPageByClientID(ctx, projectID, clientID)
	if err != nil {
		return err
	}

	patch := patchFromData(data)
	patch.Name = &name

	switch {
	case existing == nil:
		count, err := p.store.CountLivePages(ctx, projectID)
		if err != nil {
			return err
		}
		page := store.Page{
			ID:        util.NewID("pg"),
			ClientID:  clientID,
			ProjectID: projectID,
			Name:      name,
		}
		if data != nil {
			if data.HTML != nil {
				page.HTML = *data.HTML
			}
			if data.CSS != nil {
				page.CSS = *data.CSS
			}
			page.Components = data.Components
			if data.IsDefault != nil {
				page.IsDefault = *data.IsDefault
			}
		}
		// The first live page is always the default.
		if count == 0 {
			page.IsDefault = true
		}
		if page.IsDefault {
			if err := p.store.ClearDefaultPages(ctx, projectID, ""); err != nil {
				return err
			}
		}
		if err := p.store.CreatePage(ctx, page); err != nil {
			return err
		}
	case existing.IsDeleted:
		if patch.IsDefault != nil && *patch.IsDefault {
			if err := p.store.ClearDefaultPages(ctx, projectID, existing.ID); err != nil {
				return err
			}
		}
		if err := p.store.RestorePage(ctx, existing.ID, patch); err != nil {
			return err
		}
		if err := p.ensureDefault(ctx, projectID); err != nil {
			return err
		}
	default:
		// Live page already has this client id; nothing to do.
		return nil
	}

	return p.store.TouchProject(ctx, projectID)
}

// Remove soft-deletes the page, refusing to delete the last live page of the
// project. When the deleted page was the default, another live page is
// promoted so the project never has live pages without a default.
func (p *Pages) Remove(ctx context.Context, projectID, clientID string) error {
	page, err := p.store.GetPageByClientID(ctx, projectID, clientID)
	if err != nil {
		return err
	}
	if page == nil || page.IsDeleted {
		return ErrPageNotFound
	}

	count, err := p.store.CountLivePages(ctx, projectID)
	if err != nil {
		return err
	}
	if count <= 1 {
		return ErrLastPage
	}

	wasDefault := page.IsDefault
	if err := p.store.SoftDeletePage(ctx, page.ID); err != nil {
		return err
	}

	if wasDefault {
		next, err := p.store.FirstLivePage(ctx, projectID)
		if err != nil {
			return err
		}
		if next != nil {
			if err := p.store.SetDefaultPage(ctx, next.ID); err != nil {
				return err
			}
		}
	}

	return p.store.TouchProject(ctx, projectID)
}

// Update applies partial field updates to a live page. Setting isDefault
// demotes every sibling first; asking to unset the default flag on the
// current default is ignored, since that would leave the project without
// one.
func (p *Pages) Update(ctx context.Context, projectID, clientID, name string, data *PageData) error {
	page, err := p.store.GetPageByClientID(ctx, projectID, clientID)
	if err != nil {
		return err
	}
	if page == nil || page.IsDeleted {
		return ErrPageNotFound
	}

	patch := patchFromData(data)
	if name != "" {
		patch.Name = &name
	}
	if patch.IsDefault != nil {
		if *patch.IsDefault {
			if err := p.store.ClearDefaultPages(ctx, projectID, page.ID); err != nil {
				return err
			}
		} else if page.IsDefault {
			patch.IsDefault = nil
		}
	}

	if err := p.store.UpdatePage(ctx, page.ID, patch); err != nil {
		return err
	}
	return p.store.TouchProject(ctx, projectID)
}

// Sync returns every live page in creation order, shaped for the page:sync
// response.
func (p *Pages) Sync(ctx context.Context, projectID string) ([]SyncPage, error) {
	pages, err := p.store.ListLivePages(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]SyncPage, 0, len(pages))
	for _, page := range pages {
		out = append(out, SyncPage{
			ID:         page.ClientID,
			Name:       page.Name,
			HTML:       page.HTML,
			CSS:        page.CSS,
			Components: page.Components,
			IsDefault:  page.IsDefault,
		})
	}
	return out, nil
}

// ensureDefault promotes the oldest live page when none is flagged default.
func (p *Pages) ensureDefault(ctx context.Context, projectID string) error {
	pages, err := p.store.ListLivePages(ctx, projectID)
	if err != nil {
		return err
	}
	for _, page := range pages {
		if page.IsDefault {
			return nil
		}
	}
	if len(pages) == 0 {
		return nil
	}
	if err := p.store.SetDefaultPage(ctx, pages[0].ID); err != nil {
		return fmt.Errorf("promote default page: %w", err)
	}
	return nil
}

func patchFromData(data *PageData) store.PagePatch {
	if data == nil {
		return store.PagePatch{}
	}
	return store.PagePatch{
		HTML:       data.HTML,
		CSS:        data.CSS,
		Components: data.Components,
		IsDefault:  data.IsDefault,
	}
}
