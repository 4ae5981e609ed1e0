package store

import (
	"context"
	"sort"
	"strings"

	"github.com/rcliao/agentdb/internal/model"
	"github.com/rcliao/agentdb/internal/vectorindex"
)

// Query lists entries matching p, newest first.
func (b *Backend) Query(ctx context.Context, p QueryParams) ([]*model.Entry, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen("store.query"); err != nil {
		return nil, err
	}

	var matched []*model.Entry
	for _, e := range b.entries {
		if matches(e, p) {
			matched = append(matched, e)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if p.Offset > 0 {
		if p.Offset >= len(matched) {
			return []*model.Entry{}, nil
		}
		matched = matched[p.Offset:]
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*model.Entry, len(matched))
	for i, e := range matched {
		out[i] = e.Clone()
	}
	return out, nil
}

func matches(e *model.Entry, p QueryParams) bool {
	if p.Namespace != "" && e.Namespace != p.Namespace {
		return false
	}
	if p.Type != "" && e.Type != p.Type {
		return false
	}
	if p.KeyPrefix != "" && !strings.HasPrefix(e.Key, p.KeyPrefix) {
		return false
	}
	if !p.CreatedAfter.IsZero() && !e.CreatedAt.After(p.CreatedAfter) {
		return false
	}
	if !p.CreatedBefore.IsZero() && !e.CreatedAt.Before(p.CreatedBefore) {
		return false
	}
	return e.HasTags(p.Tags)
}

// Search finds the entries whose embeddings are most similar to vector.
func (b *Backend) Search(ctx context.Context, vector []float32, p SearchParams) ([]SearchResult, error) {
	k := p.K
	if k <= 0 {
		k = 10
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen("store.search"); err != nil {
		return nil, err
	}

	// A namespace filter is applied after ranking, so look at every candidate.
	want := k
	if p.Namespace != "" {
		want = b.index.Len()
	}
	hits, err := b.index.Search(vector, vectorindex.SearchParams{K: want, MinScore: p.Threshold})
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, min(k, len(hits)))
	for _, h := range hits {
		e, ok := b.entries[h.ID]
		if !ok {
			continue
		}
		if p.Namespace != "" && e.Namespace != p.Namespace {
			continue
		}
		results = append(results, SearchResult{Entry: *e.Clone(), Score: h.Score})
		if len(results) == k {
			break
		}
	}
	return results, nil
}
