package store

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/agentdb/internal/errs"
	"github.com/rcliao/agentdb/internal/fsutil"
	"github.com/rcliao/agentdb/internal/model"
	"github.com/rcliao/agentdb/internal/vectorindex"
)

type lifecycle int

const (
	stateNew lifecycle = iota
	stateOpen
	stateClosed
)

type nsKey struct {
	ns  string
	key string
}

// Backend is the memory store. All operations require Initialize.
// It is safe for concurrent use; every mutation is applied in memory under
// the lock before anything is written to disk.
type Backend struct {
	mu      sync.RWMutex
	cfg     Config
	log     *slog.Logger
	state   lifecycle
	entries map[string]*model.Entry
	keys    map[nsKey]string
	index   *vectorindex.Index
	entropy *rand.Rand
	dirty   bool

	// provisional is set while the dimension is the DefaultDimensions
	// fallback and no vector has been stored. The first embedded entry then
	// decides the dimension.
	provisional bool

	lastPersist    time.Time
	lastPersistErr error

	// persistMu serializes file writes.
	persistMu sync.Mutex

	stopAuto chan struct{}
	autoDone chan struct{}
}

// New validates cfg and returns an uninitialized backend.
func New(cfg Config) (*Backend, error) {
	if err := fsutil.ValidatePath("store.new", cfg.Path); err != nil {
		return nil, err
	}
	if cfg.Dimensions < 0 {
		return nil, errs.Validation("store.new", "dimensions must not be negative, got %d", cfg.Dimensions)
	}
	m, err := vectorindex.ParseMetric(string(cfg.Metric))
	if err != nil {
		return nil, errs.Validation("store.new", "%v", err)
	}
	cfg.Metric = m
	if cfg.Format == "" {
		cfg.Format = FormatBinary
	}
	if cfg.Format != FormatBinary && cfg.Format != FormatJSON {
		return nil, errs.Validation("store.new", "unsupported format %q", cfg.Format)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Backend{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "store", "path", cfg.Path),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Path returns the backing file path.
func (b *Backend) Path() string { return b.cfg.Path }

// Format returns the on-disk format.
func (b *Backend) Format() Format { return b.cfg.Format }

// Dimensions returns the embedding dimension. It is only meaningful after
// Initialize.
func (b *Backend) Dimensions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.index == nil {
		return b.cfg.Dimensions
	}
	return b.index.Config().Dimensions
}

// Initialize loads the backing file, if any, and rebuilds the vector index.
// Calling it on an open backend is a no-op.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateOpen {
		return nil
	}

	entries, dims, provisional, err := b.load()
	if err != nil {
		return err
	}

	index, err := vectorindex.New(vectorindex.Config{Dimensions: dims, Metric: b.cfg.Metric})
	if err != nil {
		return err
	}

	b.entries = make(map[string]*model.Entry, len(entries))
	b.keys = make(map[nsKey]string, len(entries))
	b.index = index
	for _, e := range entries {
		b.entries[e.ID] = e
		b.keys[nsKey{e.Namespace, e.Key}] = e.ID
		if len(e.Embedding) > 0 {
			if err := index.Add(e.ID, e.Embedding); err != nil {
				b.log.Warn("skipping embedding with wrong dimension", "id", e.ID, "err", err)
			}
		}
	}
	b.provisional = provisional && index.Len() == 0
	b.dirty = false
	b.lastPersistErr = nil
	b.state = stateOpen

	if b.cfg.AutoPersistInterval > 0 && !fsutil.IsMemoryPath(b.cfg.Path) {
		b.stopAuto = make(chan struct{})
		b.autoDone = make(chan struct{})
		go b.autoPersist(b.cfg.AutoPersistInterval, b.stopAuto, b.autoDone)
	}

	b.log.Debug("store initialized", "entries", len(entries), "dimensions", dims)
	return nil
}

// load reads the backing file and resolves the effective dimension. The
// returned flag reports that the dimension is the DefaultDimensions fallback.
func (b *Backend) load() ([]*model.Entry, int, bool, error) {
	dims := b.cfg.Dimensions
	if fsutil.IsMemoryPath(b.cfg.Path) {
		if dims == 0 {
			return nil, DefaultDimensions, true, nil
		}
		return nil, dims, false, nil
	}

	data, err := os.ReadFile(b.cfg.Path)
	if os.IsNotExist(err) {
		if dims == 0 {
			return nil, DefaultDimensions, true, nil
		}
		return nil, dims, false, nil
	}
	if err != nil {
		return nil, 0, false, errs.IO("store.initialize", err)
	}

	var (
		entries  []*model.Entry
		fileDims int
	)
	switch b.cfg.Format {
	case FormatJSON:
		entries, fileDims, err = decodeJSON(data)
	default:
		var hdr binaryHeader
		var res frameStats
		hdr, entries, res, err = decodeBinary(data)
		if err == nil {
			fileDims = int(hdr.dimensions)
			if res.skipped > 0 || res.truncated {
				// The next persist rewrites the file without the dropped frames.
				saved, serr := fsutil.SaveCorrupt(b.cfg.Path, data)
				if serr != nil {
					return nil, 0, false, errs.IO("store.initialize", serr)
				}
				b.log.Warn("recovered damaged store file",
					"skipped", res.skipped, "truncated", res.truncated, "loaded", len(entries), "saved_to", saved)
			}
			if b.cfg.Metric != hdr.metric {
				b.log.Info("store file metric differs from configuration; using configuration",
					"file", hdr.metric, "config", b.cfg.Metric)
			}
		}
	}
	if err != nil {
		return nil, 0, false, err
	}

	switch {
	case dims == 0 && fileDims > 0:
		dims = fileDims
	case dims == 0:
		return entries, DefaultDimensions, true, nil
	case fileDims > 0 && fileDims != dims:
		return nil, 0, false, errs.Validation("store.initialize",
			"file dimension %d does not match configured dimension %d", fileDims, dims)
	}
	return entries, dims, false, nil
}

// dimsFor returns the dimension embeddings must have. While the dimension is
// provisional it is taken from the first embedding in vecs.
func (b *Backend) dimsFor(vecs ...[]float32) int {
	if b.provisional {
		for _, v := range vecs {
			if len(v) > 0 {
				return len(v)
			}
		}
	}
	return b.index.Config().Dimensions
}

// fixDimsLocked settles a provisional dimension once an embedding of length
// dims is about to be stored.
func (b *Backend) fixDimsLocked(dims int) error {
	if !b.provisional {
		return nil
	}
	if dims != b.index.Config().Dimensions {
		index, err := vectorindex.New(vectorindex.Config{Dimensions: dims, Metric: b.cfg.Metric})
		if err != nil {
			return err
		}
		b.index = index
	}
	b.provisional = false
	b.log.Debug("store dimension adopted from first embedding", "dimensions", dims)
	return nil
}

// Shutdown stops auto-persist, flushes state to disk and closes the backend.
// Calling it again is a no-op.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.state != stateOpen {
		b.mu.Unlock()
		return nil
	}
	stop, done := b.stopAuto, b.autoDone
	b.stopAuto, b.autoDone = nil, nil
	b.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	err := b.persist(true)

	b.mu.Lock()
	b.state = stateClosed
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Discard stops auto-persist and closes the backend without writing, so the
// file keeps whatever was last persisted. Calling it on a closed backend is a
// no-op.
func (b *Backend) Discard() {
	b.mu.Lock()
	if b.state != stateOpen {
		b.mu.Unlock()
		return
	}
	stop, done := b.stopAuto, b.autoDone
	b.stopAuto, b.autoDone = nil, nil
	b.state = stateClosed
	b.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Persist writes the current state to disk if anything changed since the
// last successful persist.
func (b *Backend) Persist(ctx context.Context) error {
	b.mu.RLock()
	open := b.state == stateOpen
	b.mu.RUnlock()
	if !open {
		return errs.NotInitialized("store.persist")
	}
	return b.persist(false)
}

func (b *Backend) persist(force bool) error {
	if fsutil.IsMemoryPath(b.cfg.Path) {
		b.mu.Lock()
		b.dirty = false
		b.mu.Unlock()
		return nil
	}

	b.persistMu.Lock()
	defer b.persistMu.Unlock()

	b.mu.Lock()
	if !force && (!b.dirty || b.state != stateOpen) {
		b.mu.Unlock()
		return nil
	}
	data, err := b.encodeLocked()
	if err == nil {
		b.dirty = false
	}
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	werr := fsutil.WriteFileAtomic(b.cfg.Path, data, 0o644)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPersistErr = werr
	if werr != nil {
		b.dirty = true
		return errs.IO("store.persist", werr)
	}
	b.lastPersist = b.now()
	return nil
}

func (b *Backend) encodeLocked() ([]byte, error) {
	entries := make([]*model.Entry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e)
	}
	sortForExport(entries)

	if b.cfg.Format == FormatJSON {
		return encodeJSON(entries)
	}
	return encodeBinary(binaryHeader{
		version:    binaryVersion,
		metric:     b.index.Config().Metric,
		dimensions: uint32(b.headerDimsLocked()),
		savedAt:    b.now(),
	}, entries)
}

// headerDimsLocked is zero while the dimension is provisional, so a reopened
// file can still adopt one.
func (b *Backend) headerDimsLocked() int {
	if b.provisional {
		return 0
	}
	return b.index.Config().Dimensions
}

func (b *Backend) autoPersist(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.persist(false); err != nil {
				b.log.Warn("auto-persist failed", "err", err)
			}
		case <-stop:
			return
		}
	}
}

func (b *Backend) now() time.Time { return b.cfg.Now().UTC() }

func (b *Backend) newID() string {
	return ulid.MustNew(ulid.Timestamp(b.cfg.Now()), b.entropy).String()
}

// checkOpen must be called with b.mu held.
func (b *Backend) checkOpen(op string) error {
	if b.state != stateOpen {
		return errs.NotInitialized(op)
	}
	return nil
}

// validateEntry checks e without touching state.
func (b *Backend) validateEntry(op string, e *model.Entry, dims int) error {
	if e == nil {
		return errs.Validation(op, "entry is nil")
	}
	if len(e.Embedding) > 0 && len(e.Embedding) != dims {
		return errs.Validation(op, "dimension mismatch: got %d, want %d", len(e.Embedding), dims)
	}
	if e.Type != "" && !e.Type.Valid() {
		return errs.Validation(op, "invalid type %q", e.Type)
	}
	if e.AccessLevel != "" && !e.AccessLevel.Valid() {
		return errs.Validation(op, "invalid access level %q", e.AccessLevel)
	}
	return nil
}

// Store inserts or overwrites an entry by id and returns the stored copy.
// Missing id, namespace, key, type, access level, timestamps and version are
// filled with defaults.
func (b *Backend) Store(ctx context.Context, e *model.Entry) (*model.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("store.store"); err != nil {
		return nil, err
	}
	var vec []float32
	if e != nil {
		vec = e.Embedding
	}
	dims := b.dimsFor(vec)
	if err := b.validateEntry("store.store", e, dims); err != nil {
		return nil, err
	}
	if len(vec) > 0 {
		if err := b.fixDimsLocked(dims); err != nil {
			return nil, err
		}
	}
	stored, err := b.storeLocked(e)
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (b *Backend) storeLocked(in *model.Entry) (*model.Entry, error) {
	e := in.Clone()
	now := b.now()

	if e.ID == "" {
		e.ID = b.newID()
	}
	if e.Namespace == "" {
		e.Namespace = DefaultNamespace
	}
	if e.Key == "" {
		e.Key = e.ID
	}
	if e.Type == "" {
		e.Type = model.TypeSemantic
	}
	if e.AccessLevel == "" {
		e.AccessLevel = model.AccessPrivate
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if e.LastAccessedAt.IsZero() {
		e.LastAccessedAt = e.CreatedAt
	}
	if e.Version < 1 {
		e.Version = 1
	}
	if len(e.Embedding) == 0 {
		e.Embedding = nil
	}

	k := nsKey{e.Namespace, e.Key}
	if owner, ok := b.keys[k]; ok && owner != e.ID {
		return nil, errs.Validation("store.store", "key %q already exists in namespace %q", e.Key, e.Namespace)
	}

	if prev, ok := b.entries[e.ID]; ok {
		delete(b.keys, nsKey{prev.Namespace, prev.Key})
	}
	b.entries[e.ID] = e
	b.keys[k] = e.ID

	if e.Embedding != nil {
		if err := b.index.Add(e.ID, e.Embedding); err != nil {
			return nil, err
		}
	} else {
		b.index.Remove(e.ID)
	}
	b.dirty = true
	return e, nil
}

// Get returns the entry with id, or nil when it does not exist. A hit
// increments the access count.
func (b *Backend) Get(ctx context.Context, id string) (*model.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("store.get"); err != nil {
		return nil, err
	}
	return b.touchLocked(b.entries[id]), nil
}

// GetByKey returns the entry stored under namespace/key, or nil.
func (b *Backend) GetByKey(ctx context.Context, namespace, key string) (*model.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("store.get_by_key"); err != nil {
		return nil, err
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	id, ok := b.keys[nsKey{namespace, key}]
	if !ok {
		return nil, nil
	}
	return b.touchLocked(b.entries[id]), nil
}

func (b *Backend) touchLocked(e *model.Entry) *model.Entry {
	if e == nil {
		return nil
	}
	e.AccessCount++
	e.LastAccessedAt = b.now()
	b.dirty = true
	return e.Clone()
}

// Update merges p into the entry with id, increments its version and returns
// the updated copy, or nil when id does not exist.
func (b *Backend) Update(ctx context.Context, id string, p UpdateParams) (*model.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("store.update"); err != nil {
		return nil, err
	}

	dims := b.dimsFor(p.Embedding)
	if p.Embedding != nil && len(p.Embedding) != dims {
		return nil, errs.Validation("store.update", "dimension mismatch: got %d, want %d", len(p.Embedding), dims)
	}
	if p.Type != nil && !p.Type.Valid() {
		return nil, errs.Validation("store.update", "invalid type %q", *p.Type)
	}
	if p.AccessLevel != nil && !p.AccessLevel.Valid() {
		return nil, errs.Validation("store.update", "invalid access level %q", *p.AccessLevel)
	}

	e, ok := b.entries[id]
	if !ok {
		return nil, nil
	}
	if len(p.Embedding) > 0 {
		if err := b.fixDimsLocked(dims); err != nil {
			return nil, err
		}
	}

	if p.Content != nil {
		e.Content = *p.Content
	}
	if p.Type != nil {
		e.Type = *p.Type
	}
	if p.AccessLevel != nil {
		e.AccessLevel = *p.AccessLevel
	}
	if p.Tags != nil {
		e.Tags = append([]string(nil), p.Tags...)
	}
	if p.References != nil {
		e.References = append([]string(nil), p.References...)
	}
	if len(p.Metadata) > 0 {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			e.Metadata[k] = v
		}
	}
	if p.Embedding != nil {
		e.Embedding = append([]float32(nil), p.Embedding...)
		if err := b.index.Add(e.ID, e.Embedding); err != nil {
			return nil, err
		}
	}
	e.Version++
	e.UpdatedAt = b.now()
	b.dirty = true
	return e.Clone(), nil
}

// Delete removes the entry with id and reports whether it existed.
func (b *Backend) Delete(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("store.delete"); err != nil {
		return false, err
	}
	return b.deleteLocked(id), nil
}

func (b *Backend) deleteLocked(id string) bool {
	e, ok := b.entries[id]
	if !ok {
		return false
	}
	delete(b.entries, id)
	delete(b.keys, nsKey{e.Namespace, e.Key})
	b.index.Remove(id)
	b.dirty = true
	return true
}

// BulkInsert stores entries in order. The whole batch is validated first and
// nothing is applied if validation fails; after that, entries stored before a
// failing item stay stored. It returns the number stored.
func (b *Backend) BulkInsert(ctx context.Context, entries []*model.Entry) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("store.bulk_insert"); err != nil {
		return 0, err
	}

	vecs := make([][]float32, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			vecs = append(vecs, e.Embedding)
		}
	}
	dims := b.dimsFor(vecs...)
	embedded := false
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if err := b.validateEntry("store.bulk_insert", e, dims); err != nil {
			return 0, fmt.Errorf("entry %d: %w", i, err)
		}
		embedded = embedded || len(e.Embedding) > 0
		if e.ID == "" {
			continue
		}
		if seen[e.ID] {
			return 0, errs.Validation("store.bulk_insert", "duplicate id %q in batch", e.ID)
		}
		seen[e.ID] = true
	}

	if embedded {
		if err := b.fixDimsLocked(dims); err != nil {
			return 0, err
		}
	}

	stored := 0
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		if _, err := b.storeLocked(e); err != nil {
			return stored, fmt.Errorf("entry %d: %w", i, err)
		}
		stored++
	}
	return stored, nil
}

// BulkDelete removes ids and returns how many existed.
func (b *Backend) BulkDelete(ctx context.Context, ids []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("store.bulk_delete"); err != nil {
		return 0, err
	}
	for i, id := range ids {
		if id == "" {
			return 0, errs.Validation("store.bulk_delete", "id %d is empty", i)
		}
	}

	removed := 0
	for _, id := range ids {
		if b.deleteLocked(id) {
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of entries in namespace, or in total when
// namespace is empty.
func (b *Backend) Count(ctx context.Context, namespace string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen("store.count"); err != nil {
		return 0, err
	}
	if namespace == "" {
		return len(b.entries), nil
	}
	n := 0
	for _, e := range b.entries {
		if e.Namespace == namespace {
			n++
		}
	}
	return n, nil
}

// ListNamespaces returns the distinct namespaces in sorted order.
func (b *Backend) ListNamespaces(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen("store.list_namespaces"); err != nil {
		return nil, err
	}
	return b.namespacesLocked(), nil
}

// ClearNamespace removes every entry in namespace and returns the count.
func (b *Backend) ClearNamespace(ctx context.Context, namespace string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("store.clear_namespace"); err != nil {
		return 0, err
	}
	var ids []string
	for id, e := range b.entries {
		if e.Namespace == namespace {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		b.deleteLocked(id)
	}
	return len(ids), nil
}

// RebuildIndex repopulates the vector index from stored embeddings.
func (b *Backend) RebuildIndex(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("store.rebuild_index"); err != nil {
		return 0, err
	}
	b.index.Clear()
	n := 0
	for id, e := range b.entries {
		if e.Embedding == nil {
			continue
		}
		if err := b.index.Add(id, e.Embedding); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
