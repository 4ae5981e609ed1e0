package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agentdb/internal/errs"
	"github.com/rcliao/agentdb/internal/model"
)

func seedVectors(t *testing.T, b *Backend) {
	t.Helper()
	_, err := b.BulkInsert(context.Background(), []*model.Entry{
		{ID: "a", Namespace: "test", Key: "a", Embedding: []float32{1, 0, 0}},
		{ID: "b", Namespace: "test", Key: "b", Embedding: []float32{0, 1, 0}},
		{ID: "c", Namespace: "other", Key: "c", Embedding: []float32{0.9, 0.1, 0}},
		{ID: "d", Namespace: "test", Key: "d"},
	})
	require.NoError(t, err)
}

func TestSearchRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seedVectors(t, b)

	results, err := b.Search(ctx, []float32{1, 0, 0}, SearchParams{K: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "c", results[1].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchNamespaceFilter(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seedVectors(t, b)

	results, err := b.Search(ctx, []float32{1, 0, 0}, SearchParams{K: 2, Namespace: "test"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
}

func TestSearchThreshold(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seedVectors(t, b)

	floor := 0.5
	results, err := b.Search(ctx, []float32{1, 0, 0}, SearchParams{K: 10, Threshold: &floor})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, floor)
	}
}

func TestSearchDimensionMismatch(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.Search(context.Background(), []float32{1, 0}, SearchParams{})
	assert.True(t, errs.IsValidation(err))
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	_, err := b.BulkInsert(ctx, []*model.Entry{
		{Namespace: "test", Key: "user:1", Type: model.TypeEpisodic, Tags: []string{"go", "db"}},
		{Namespace: "test", Key: "user:2", Type: model.TypeSemantic, Tags: []string{"go"}},
		{Namespace: "test", Key: "task:1", Type: model.TypeProcedural},
		{Namespace: "other", Key: "user:3"},
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		p    QueryParams
		keys []string
	}{
		{"namespace newest first", QueryParams{Namespace: "test"}, []string{"task:1", "user:2", "user:1"}},
		{"type", QueryParams{Type: model.TypeEpisodic}, []string{"user:1"}},
		{"all tags", QueryParams{Tags: []string{"go", "db"}}, []string{"user:1"}},
		{"key prefix", QueryParams{KeyPrefix: "user:"}, []string{"user:3", "user:2", "user:1"}},
		{"limit", QueryParams{Namespace: "test", Limit: 1}, []string{"task:1"}},
		{"offset", QueryParams{Namespace: "test", Offset: 1, Limit: 1}, []string{"user:2"}},
		{"offset past end", QueryParams{Offset: 10}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := b.Query(ctx, tt.p)
			require.NoError(t, err)
			keys := []string{}
			for _, e := range entries {
				keys = append(keys, e.Key)
			}
			assert.Equal(t, tt.keys, keys)
		})
	}
}

func TestQueryTimeRange(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	first, err := b.Store(ctx, &model.Entry{Key: "first"})
	require.NoError(t, err)
	second, err := b.Store(ctx, &model.Entry{Key: "second"})
	require.NoError(t, err)

	entries, err := b.Query(ctx, QueryParams{CreatedAfter: first.CreatedAt})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second", entries[0].Key)

	entries, err = b.Query(ctx, QueryParams{CreatedBefore: second.CreatedAt})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "first", entries[0].Key)
}
