package store

import (
	"context"

	"github.com/rcliao/agentdb/internal/errs"
	"github.com/rcliao/agentdb/internal/model"
)

// LinkParams holds parameters for creating/removing a reference.
type LinkParams struct {
	FromID string
	ToID   string
	Remove bool
}

// Link adds ToID to the references of FromID (or removes it when Remove is
// set) and returns the updated source entry. Both entries must exist.
// Linking is idempotent and does not bump the entry version.
func (b *Backend) Link(ctx context.Context, p LinkParams) (*model.Entry, error) {
	if p.FromID == "" || p.ToID == "" {
		return nil, errs.Validation("store.link", "from and to ids are required")
	}
	if p.FromID == p.ToID {
		return nil, errs.Validation("store.link", "cannot link %q to itself", p.FromID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("store.link"); err != nil {
		return nil, err
	}

	from, ok := b.entries[p.FromID]
	if !ok {
		return nil, errs.Validation("store.link", "resolve from: entry %q not found", p.FromID)
	}
	if _, ok := b.entries[p.ToID]; !ok && !p.Remove {
		return nil, errs.Validation("store.link", "resolve to: entry %q not found", p.ToID)
	}

	pos := -1
	for i, ref := range from.References {
		if ref == p.ToID {
			pos = i
			break
		}
	}

	switch {
	case p.Remove && pos >= 0:
		from.References = append(from.References[:pos], from.References[pos+1:]...)
		if len(from.References) == 0 {
			from.References = nil
		}
	case !p.Remove && pos < 0:
		from.References = append(from.References, p.ToID)
	default:
		return from.Clone(), nil
	}
	from.UpdatedAt = b.now()
	b.dirty = true
	return from.Clone(), nil
}

// Linked returns the entries referenced by id that still exist.
func (b *Backend) Linked(ctx context.Context, id string) ([]*model.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen("store.linked"); err != nil {
		return nil, err
	}
	e, ok := b.entries[id]
	if !ok {
		return nil, nil
	}
	var out []*model.Entry
	for _, ref := range e.References {
		if target, ok := b.entries[ref]; ok {
			out = append(out, target.Clone())
		}
	}
	return out, nil
}

// Unlink removes toID from the references of fromID.
func (b *Backend) Unlink(ctx context.Context, fromID, toID string) (*model.Entry, error) {
	return b.Link(ctx, LinkParams{FromID: fromID, ToID: toID, Remove: true})
}
