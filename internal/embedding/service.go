package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/text/unicode/norm"

	"github.com/rcliao/agentdb/internal/errs"
)

// DefaultMemoryCacheSize is the in-memory tier capacity when none is set.
const DefaultMemoryCacheSize = 1000

// Source reports which tier produced an embedding.
type Source string

const (
	SourceMemory     Source = "memory"
	SourcePersistent Source = "persistent"
	SourceGenerated  Source = "generated"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Dimensions      int
	MemoryCacheSize int

	// Cache is an optional persistent tier. The service closes it on
	// Shutdown.
	Cache *Cache

	// Embedder generates missing embeddings. Nil means a HashEmbedder.
	Embedder Embedder

	Logger *slog.Logger
}

// Result is a single embedding with its provenance. Cached results report
// zero latency.
type Result struct {
	Embedding Vector        `json:"embedding"`
	Source    Source        `json:"source"`
	Latency   time.Duration `json:"latency"`
}

// BatchResult aggregates EmbedBatch results.
type BatchResult struct {
	Results        []Result      `json:"results"`
	Hits           int           `json:"hits"`
	Misses         int           `json:"misses"`
	TotalLatency   time.Duration `json:"total_latency"`
	AverageLatency time.Duration `json:"average_latency"`
}

// CacheStats describes the in-memory tier and hit counters.
type CacheStats struct {
	Size           int     `json:"size"`
	MaxSize        int     `json:"max_size"`
	PersistentSize int     `json:"persistent_size"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
}

// EventKind identifies a service event.
type EventKind string

const (
	EmbedStart    EventKind = "embed_start"
	EmbedComplete EventKind = "embed_complete"
	CacheHit      EventKind = "cache_hit"
)

// Event is delivered to listeners.
type Event struct {
	Kind    EventKind
	Key     string
	Source  Source
	Latency time.Duration
}

// Listener receives service events on the calling goroutine. It must not
// call Shutdown.
type Listener func(Event)

// Service produces embeddings through a memory tier, an optional persistent
// tier and finally the embedder. It is safe for concurrent use.
type Service struct {
	cfg      ServiceConfig
	log      *slog.Logger
	embedder Embedder
	mem      *ristretto.Cache

	mu     sync.RWMutex
	closed bool

	hits   atomic.Uint64
	misses atomic.Uint64

	lmu       sync.Mutex
	nextID    int
	listeners map[int]Listener
}

// NewService validates cfg and builds the memory tier.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Dimensions <= 0 {
		return nil, errs.Validation("embedding.new_service", "dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.MemoryCacheSize < 0 {
		return nil, errs.Validation("embedding.new_service", "memory cache size must not be negative, got %d", cfg.MemoryCacheSize)
	}
	if cfg.MemoryCacheSize == 0 {
		cfg.MemoryCacheSize = DefaultMemoryCacheSize
	}
	if cfg.Embedder == nil {
		e, err := NewHashEmbedder(cfg.Dimensions)
		if err != nil {
			return nil, err
		}
		cfg.Embedder = e
	}
	if cfg.Embedder.Dims() != cfg.Dimensions {
		return nil, errs.Validation("embedding.new_service",
			"embedder produces %d dimensions, want %d", cfg.Embedder.Dims(), cfg.Dimensions)
	}
	if cfg.Cache != nil && cfg.Cache.cfg.Dimensions != cfg.Dimensions {
		return nil, errs.Validation("embedding.new_service",
			"persistent cache holds %d dimensions, want %d", cfg.Cache.cfg.Dimensions, cfg.Dimensions)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mem, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(cfg.MemoryCacheSize) * 10,
		MaxCost:            int64(cfg.MemoryCacheSize),
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}

	return &Service{
		cfg:       cfg,
		log:       cfg.Logger.With("component", "embedding_service"),
		embedder:  cfg.Embedder,
		mem:       mem,
		listeners: make(map[int]Listener),
	}, nil
}

// Key returns the cache key of text: the SHA-256 of its NFC form.
func Key(text string) string {
	return hashKey(norm.NFC.String(text))
}

func hashKey(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Embed returns the embedding of text. Canonically equivalent Unicode
// spellings share a cache entry.
func (s *Service) Embed(ctx context.Context, text string) (Result, error) {
	if !utf8.ValidString(text) {
		return Result{}, errs.Validation("embedding.embed", "text is not valid UTF-8")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Result{}, errs.NotInitialized("embedding.embed")
	}

	normalized := norm.NFC.String(text)
	key := hashKey(normalized)
	s.emit(Event{Kind: EmbedStart, Key: key})

	if v, ok := s.mem.Get(key); ok {
		s.hits.Add(1)
		s.emit(Event{Kind: CacheHit, Key: key, Source: SourceMemory})
		return Result{Embedding: slices.Clone(v.(Vector)), Source: SourceMemory}, nil
	}
	if s.cfg.Cache != nil {
		if vec, ok := s.cfg.Cache.Get(key); ok {
			s.hits.Add(1)
			s.remember(key, vec)
			s.emit(Event{Kind: CacheHit, Key: key, Source: SourcePersistent})
			return Result{Embedding: vec, Source: SourcePersistent}, nil
		}
	}

	s.misses.Add(1)
	start := time.Now()
	vec, err := s.embedder.Embed(ctx, normalized)
	if err != nil {
		return Result{}, fmt.Errorf("generate embedding: %w", err)
	}
	if len(vec) != s.cfg.Dimensions {
		return Result{}, errs.Validation("embedding.embed",
			"embedder returned %d dimensions, want %d", len(vec), s.cfg.Dimensions)
	}
	latency := time.Since(start)

	s.remember(key, vec)
	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.Set(key, vec); err != nil {
			s.log.Warn("persistent cache write failed", "err", err)
		}
	}
	s.emit(Event{Kind: EmbedComplete, Key: key, Source: SourceGenerated, Latency: latency})
	return Result{Embedding: slices.Clone(vec), Source: SourceGenerated, Latency: latency}, nil
}

func (s *Service) remember(key string, vec Vector) {
	s.mem.Set(key, slices.Clone(vec), 1)
	s.mem.Wait()
}

// EmbedBatch embeds texts in order. It stops at the first error.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) (BatchResult, error) {
	out := BatchResult{Results: make([]Result, 0, len(texts))}
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		r, err := s.Embed(ctx, text)
		if err != nil {
			return out, fmt.Errorf("text %d: %w", i, err)
		}
		if r.Source == SourceGenerated {
			out.Misses++
		} else {
			out.Hits++
		}
		out.TotalLatency += r.Latency
		out.Results = append(out.Results, r)
	}
	if n := len(out.Results); n > 0 {
		out.AverageLatency = out.TotalLatency / time.Duration(n)
	}
	if out.Misses > 0 && s.cfg.Cache != nil {
		if err := s.cfg.Cache.Flush(); err != nil {
			s.log.Warn("persistent cache flush failed", "err", err)
		}
	}
	return out, nil
}

// ClearCache empties both cache tiers. Hit counters are kept.
func (s *Service) ClearCache() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errs.NotInitialized("embedding.clear_cache")
	}
	s.mem.Clear()
	if s.cfg.Cache != nil {
		return s.cfg.Cache.Clear()
	}
	return nil
}

// CacheStats returns tier sizes and hit counters.
func (s *Service) CacheStats() CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := CacheStats{
		MaxSize: s.cfg.MemoryCacheSize,
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}
	if !s.closed {
		m := s.mem.Metrics
		st.Size = int(m.KeysAdded() - m.KeysEvicted())
		if s.cfg.Cache != nil {
			st.PersistentSize = s.cfg.Cache.Len()
		}
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// AddListener registers fn and returns a function that removes it.
func (s *Service) AddListener(fn Listener) (remove func()) {
	if fn == nil {
		return func() {}
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Service) emit(ev Event) {
	s.lmu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]Listener, len(ids))
	for i, id := range ids {
		fns[i] = s.listeners[id]
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Shutdown closes the persistent tier, drops the memory tier and detaches
// listeners. Calling it again is a no-op.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.mem.Clear()
	s.mem.Close()

	s.lmu.Lock()
	s.listeners = make(map[int]Listener)
	s.lmu.Unlock()

	if s.cfg.Cache != nil {
		return s.cfg.Cache.Close()
	}
	return nil
}
