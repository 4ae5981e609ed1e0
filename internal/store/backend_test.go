package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agentdb/internal/errs"
	"github.com/rcliao/agentdb/internal/fsutil"
	"github.com/rcliao/agentdb/internal/model"
)

// testClock advances one second on every reading so ordering by time is
// deterministic.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestBackend(t *testing.T, mutate ...func(*Config)) *Backend {
	t.Helper()
	cfg := Config{
		Path:       filepath.Join(t.TempDir(), "memory.amdb"),
		Dimensions: 3,
		Now:        newTestClock().Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return openBackend(t, cfg)
}

func openBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	b, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { b.Shutdown(context.Background()) })
	return b
}

func TestStoreAndGet(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	stored, err := b.Store(ctx, &model.Entry{
		Namespace: "test", Key: "hello", Content: "world",
		Tags: []string{"greeting"}, Embedding: []float32{1, 0, 0},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, model.TypeSemantic, stored.Type)
	assert.Equal(t, model.AccessPrivate, stored.AccessLevel)
	assert.False(t, stored.CreatedAt.IsZero())

	got, err := b.Get(ctx, stored.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "world", got.Content)
	assert.Equal(t, 1, got.AccessCount)

	byKey, err := b.GetByKey(ctx, "test", "hello")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, stored.ID, byKey.ID)
	assert.Equal(t, 2, byKey.AccessCount)
}

func TestGetMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	got, err := b.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = b.GetByKey(ctx, "ns", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	updated, err := b.Update(ctx, "nope", UpdateParams{})
	require.NoError(t, err)
	assert.Nil(t, updated)

	ok, err := b.Delete(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReturnedEntriesAreCopies(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	in := &model.Entry{Key: "k", Content: "original", Tags: []string{"a"}}
	stored, err := b.Store(ctx, in)
	require.NoError(t, err)

	in.Content = "mutated"
	stored.Tags[0] = "mutated"

	got, err := b.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Content)
	assert.Equal(t, []string{"a"}, got.Tags)
}

func TestUpdateIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	stored, err := b.Store(ctx, &model.Entry{Key: "k", Content: "v1", Metadata: map[string]any{"a": "1"}})
	require.NoError(t, err)

	content := "v2"
	updated, err := b.Update(ctx, stored.ID, UpdateParams{
		Content:  &content,
		Metadata: map[string]any{"b": "2"},
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "v2", updated.Content)
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, updated.Metadata)
	assert.True(t, updated.UpdatedAt.After(stored.UpdatedAt))

	bad := model.EntryType("bogus")
	_, err = b.Update(ctx, stored.ID, UpdateParams{Type: &bad})
	assert.True(t, errs.IsValidation(err))

	_, err = b.Update(ctx, stored.ID, UpdateParams{Embedding: []float32{1, 2}})
	assert.True(t, errs.IsValidation(err))
}

func TestStoreValidation(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	tests := []struct {
		name  string
		entry *model.Entry
	}{
		{"nil entry", nil},
		{"wrong dimension", &model.Entry{Key: "a", Embedding: []float32{1, 2}}},
		{"bad type", &model.Entry{Key: "b", Type: "bogus"}},
		{"bad access level", &model.Entry{Key: "c", AccessLevel: "everyone"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Store(ctx, tt.entry)
			assert.True(t, errs.IsValidation(err), "got %v", err)
		})
	}

	n, err := b.Count(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDuplicateKeyRejected(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	first, err := b.Store(ctx, &model.Entry{Namespace: "ns", Key: "k", Content: "one"})
	require.NoError(t, err)

	_, err = b.Store(ctx, &model.Entry{Namespace: "ns", Key: "k", Content: "two"})
	assert.True(t, errs.IsValidation(err))

	// Same id overwrites.
	again, err := b.Store(ctx, &model.Entry{ID: first.ID, Namespace: "ns", Key: "k", Content: "three"})
	require.NoError(t, err)
	assert.Equal(t, "three", again.Content)

	// Same key in another namespace is fine.
	_, err = b.Store(ctx, &model.Entry{Namespace: "other", Key: "k"})
	require.NoError(t, err)
}

func TestMoveKeyReleasesOldKey(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	e, err := b.Store(ctx, &model.Entry{Namespace: "ns", Key: "old"})
	require.NoError(t, err)
	e.Key = "new"
	_, err = b.Store(ctx, e)
	require.NoError(t, err)

	got, err := b.GetByKey(ctx, "ns", "old")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = b.Store(ctx, &model.Entry{Namespace: "ns", Key: "old"})
	require.NoError(t, err)
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	e, err := b.Store(ctx, &model.Entry{Key: "k", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)

	ok, err := b.Delete(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	results, err := b.Search(ctx, []float32{1, 0, 0}, SearchParams{K: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBulkInsertValidatesWholeBatch(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	n, err := b.BulkInsert(ctx, []*model.Entry{
		{Key: "a", Embedding: []float32{1, 0, 0}},
		{Key: "b", Embedding: []float32{1, 0}},
	})
	assert.True(t, errs.IsValidation(err))
	assert.Zero(t, n)

	n, err = b.BulkInsert(ctx, []*model.Entry{{ID: "x", Key: "a"}, {ID: "x", Key: "b"}})
	assert.True(t, errs.IsValidation(err))
	assert.Zero(t, n)

	count, err := b.Count(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBulkInsertKeepsEntriesBeforeFailure(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	n, err := b.BulkInsert(ctx, []*model.Entry{
		{Namespace: "ns", Key: "same"},
		{Namespace: "ns", Key: "same"},
		{Namespace: "ns", Key: "other"},
	})
	assert.True(t, errs.IsValidation(err))
	assert.Equal(t, 1, n)

	count, err := b.Count(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBulkDelete(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	n, err := b.BulkInsert(ctx, []*model.Entry{{ID: "a", Key: "a"}, {ID: "b", Key: "b"}, {ID: "c", Key: "c"}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = b.BulkDelete(ctx, []string{"a", ""})
	assert.True(t, errs.IsValidation(err))

	removed, err := b.BulkDelete(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := b.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNamespaces(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	for _, e := range []*model.Entry{
		{Namespace: "beta", Key: "1"},
		{Namespace: "alpha", Key: "1"},
		{Namespace: "alpha", Key: "2"},
		{Key: "1"},
	} {
		_, err := b.Store(ctx, e)
		require.NoError(t, err)
	}

	ns, err := b.ListNamespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", DefaultNamespace}, ns)

	cleared, err := b.ClearNamespace(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	n, err := b.Count(ctx, "alpha")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = b.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNotInitialized(t *testing.T) {
	ctx := context.Background()
	b, err := New(Config{Path: fsutil.MemoryPath})
	require.NoError(t, err)

	_, err = b.Get(ctx, "x")
	assert.True(t, errs.IsNotInitialized(err))
	_, err = b.Store(ctx, &model.Entry{Key: "k"})
	assert.True(t, errs.IsNotInitialized(err))
	assert.ErrorIs(t, b.Persist(ctx), errs.ErrNotInitialized)
}

func TestLifecycleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.amdb")
	b, err := New(Config{Path: path, Dimensions: 3})
	require.NoError(t, err)

	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Initialize(ctx))
	_, err = b.Store(ctx, &model.Entry{Key: "k", Content: "kept"})
	require.NoError(t, err)

	require.NoError(t, b.Shutdown(ctx))
	require.NoError(t, b.Shutdown(ctx))

	_, err = b.Count(ctx, "")
	assert.True(t, errs.IsNotInitialized(err))

	// Reopening reloads from disk.
	require.NoError(t, b.Initialize(ctx))
	got, err := b.GetByKey(ctx, "", "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "kept", got.Content)
	require.NoError(t, b.Shutdown(ctx))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Path: "bad\x00path"})
	assert.True(t, errs.IsSecurity(err))

	_, err = New(Config{Path: ""})
	assert.True(t, errs.IsValidation(err))

	_, err = New(Config{Path: fsutil.MemoryPath, Dimensions: -1})
	assert.True(t, errs.IsValidation(err))

	_, err = New(Config{Path: fsutil.MemoryPath, Metric: "manhattan"})
	assert.True(t, errs.IsValidation(err))

	_, err = New(Config{Path: fsutil.MemoryPath, Format: "xml"})
	assert.True(t, errs.IsValidation(err))
}

func TestPersistAndReload(t *testing.T) {
	for _, format := range []Format{FormatBinary, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "memory.dat")
			cfg := Config{Path: path, Format: format, Dimensions: 3, Now: newTestClock().Now}

			b, err := New(cfg)
			require.NoError(t, err)
			require.NoError(t, b.Initialize(ctx))
			stored, err := b.Store(ctx, &model.Entry{
				Namespace: "ns", Key: "k", Content: "persisted",
				Tags: []string{"x", "y"}, Metadata: map[string]any{"source": "test"},
				Embedding: []float32{0.5, 0.25, -1}, References: []string{"other"},
			})
			require.NoError(t, err)
			require.NoError(t, b.Shutdown(ctx))

			detected, err := DetectFormat(path)
			require.NoError(t, err)
			assert.Equal(t, format, detected)

			cfg.Dimensions = 0
			reopened := openBackend(t, cfg)
			assert.Equal(t, 3, reopened.Dimensions())

			got, err := reopened.GetByKey(ctx, "ns", "k")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, stored.ID, got.ID)
			assert.Equal(t, stored.Content, got.Content)
			assert.Equal(t, stored.Tags, got.Tags)
			assert.Equal(t, stored.Metadata, got.Metadata)
			assert.Equal(t, stored.Embedding, got.Embedding)
			assert.Equal(t, stored.References, got.References)
			assert.True(t, stored.CreatedAt.Equal(got.CreatedAt))

			results, err := reopened.Search(ctx, []float32{0.5, 0.25, -1}, SearchParams{K: 1})
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.InDelta(t, 1.0, results[0].Score, 1e-6)
		})
	}
}

func TestPersistSkipsCleanState(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.Persist(ctx))
	assert.Zero(t, fsutil.FileSize(b.Path()))

	_, err := b.Store(ctx, &model.Entry{Key: "k"})
	require.NoError(t, err)
	require.NoError(t, b.Persist(ctx))
	assert.Positive(t, fsutil.FileSize(b.Path()))
}

func TestReloadDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.amdb")

	b, err := New(Config{Path: path, Dimensions: 3})
	require.NoError(t, err)
	require.NoError(t, b.Initialize(ctx))
	_, err = b.Store(ctx, &model.Entry{Key: "k", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.NoError(t, b.Shutdown(ctx))

	other, err := New(Config{Path: path, Dimensions: 4})
	require.NoError(t, err)
	assert.True(t, errs.IsValidation(other.Initialize(ctx)))
}

func TestUnconfiguredDimensionAdoptsFirstEmbedding(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.amdb")

	b := openBackend(t, Config{Path: path})
	assert.Equal(t, DefaultDimensions, b.Dimensions())

	_, err := b.Store(ctx, &model.Entry{Key: "plain"})
	require.NoError(t, err)
	require.NoError(t, b.Shutdown(ctx))

	// Nothing embedded yet, so the reopened store is still free to adopt.
	b = openBackend(t, Config{Path: path})
	n, err := b.BulkInsert(ctx, []*model.Entry{
		{Key: "none"},
		{Key: "vec", Embedding: []float32{1, 0, 0, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 4, b.Dimensions())

	_, err = b.Store(ctx, &model.Entry{Key: "short", Embedding: []float32{1, 0}})
	assert.True(t, errs.IsValidation(err))
	require.NoError(t, b.Shutdown(ctx))

	reopened := openBackend(t, Config{Path: path})
	assert.Equal(t, 4, reopened.Dimensions())
}

func TestConfiguredDimensionIsNotAdopted(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.Store(context.Background(), &model.Entry{Key: "k", Embedding: []float32{1, 0, 0, 0}})
	assert.True(t, errs.IsValidation(err))
	assert.Equal(t, 3, b.Dimensions())
}

func TestDiscardKeepsLastPersistedState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.amdb")

	b := openBackend(t, Config{Path: path, Dimensions: 3})
	_, err := b.Store(ctx, &model.Entry{Key: "kept"})
	require.NoError(t, err)
	require.NoError(t, b.Persist(ctx))
	_, err = b.Store(ctx, &model.Entry{Key: "dropped"})
	require.NoError(t, err)
	b.Discard()

	_, err = b.Count(ctx, "")
	assert.True(t, errs.IsNotInitialized(err))

	reopened := openBackend(t, Config{Path: path, Dimensions: 3})
	n, err := reopened.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecoverTruncatedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.amdb")

	b, err := New(Config{Path: path, Dimensions: 3})
	require.NoError(t, err)
	require.NoError(t, b.Initialize(ctx))
	for _, key := range []string{"a", "b", "c"} {
		_, err := b.Store(ctx, &model.Entry{Key: key, Content: "content " + key, Embedding: []float32{1, 1, 1}})
		require.NoError(t, err)
	}
	require.NoError(t, b.Shutdown(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-5], 0o644))

	reopened := openBackend(t, Config{Path: path, Dimensions: 3})
	n, err := reopened.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Exported order is by key, so the last frame held "c".
	got, err := reopened.GetByKey(ctx, "", "c")
	require.NoError(t, err)
	assert.Nil(t, got)

	// The damaged original is kept before the next persist replaces it.
	saved, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	kept, err := os.ReadFile(saved[0])
	require.NoError(t, err)
	assert.Equal(t, data[:len(data)-5], kept)
}

func TestCorruptHeaderFailsInitialize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.amdb")
	require.NoError(t, os.WriteFile(path, []byte("not a store file at all, nope"), 0o644))

	b, err := New(Config{Path: path})
	require.NoError(t, err)
	assert.True(t, errs.IsCorruption(b.Initialize(context.Background())))
}

func TestAutoPersist(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, func(c *Config) {
		c.AutoPersistInterval = 10 * time.Millisecond
		c.Now = time.Now
	})

	_, err := b.Store(ctx, &model.Entry{Key: "k"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return fsutil.FileSize(b.Path()) > 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRebuildIndex(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	_, err := b.BulkInsert(ctx, []*model.Entry{
		{Key: "a", Embedding: []float32{1, 0, 0}},
		{Key: "b", Embedding: []float32{0, 1, 0}},
		{Key: "c"},
	})
	require.NoError(t, err)

	n, err := b.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, func(c *Config) { c.Path = fsutil.MemoryPath })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e, err := b.Store(ctx, &model.Entry{Namespace: "ns", Embedding: []float32{float32(i), float32(j), 1}})
				if !assert.NoError(t, err) {
					return
				}
				_, _ = b.Get(ctx, e.ID)
				_, _ = b.Search(ctx, []float32{1, 1, 1}, SearchParams{K: 3})
			}
		}(i)
	}
	wg.Wait()

	n, err := b.Count(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, 400, n)
}
