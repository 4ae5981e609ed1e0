package store

import (
	"context"

	"github.com/rcliao/agentdb/internal/model"
)

// ExportAll returns copies of all entries, optionally filtered by namespace,
// ordered by namespace, key and id.
func (b *Backend) ExportAll(ctx context.Context, namespace string) ([]*model.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen("store.export"); err != nil {
		return nil, err
	}

	out := make([]*model.Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if namespace != "" && e.Namespace != namespace {
			continue
		}
		out = append(out, e.Clone())
	}
	sortForExport(out)
	return out, nil
}

// Import stores entries from an export, keeping their ids, versions and
// timestamps. Existing entries with the same id are overwritten.
func (b *Backend) Import(ctx context.Context, entries []*model.Entry) (int, error) {
	return b.BulkInsert(ctx, entries)
}
