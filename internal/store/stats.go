package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rcliao/agentdb/internal/fsutil"
	"github.com/rcliao/agentdb/internal/model"
	"github.com/rcliao/agentdb/internal/vectorindex"
)

// Stats holds store statistics.
type Stats struct {
	Path             string                  `json:"path"`
	Format           Format                  `json:"format"`
	FileSizeBytes    int64                   `json:"file_size_bytes"`
	TotalEntries     int                     `json:"total_entries"`
	MemoryUsageBytes int64                   `json:"memory_usage_bytes"`
	Namespaces       []NamespaceStats        `json:"namespaces"`
	Types            map[model.EntryType]int `json:"types"`
	Index            IndexStats              `json:"index"`
	LastPersisted    *time.Time              `json:"last_persisted,omitempty"`
	Dirty            bool                    `json:"dirty"`
}

// NamespaceStats holds per-namespace counts.
type NamespaceStats struct {
	Namespace string `json:"namespace"`
	Count     int    `json:"count"`
}

// IndexStats describes the vector index.
type IndexStats struct {
	Size       int                     `json:"size"`
	Dimensions int                     `json:"dimensions"`
	Metric     vectorindex.Metric      `json:"metric"`
	LastSearch vectorindex.SearchStats `json:"last_search"`
}

// Stats returns store statistics.
func (b *Backend) Stats(ctx context.Context) (*Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen("store.stats"); err != nil {
		return nil, err
	}

	st := &Stats{
		Path:          b.cfg.Path,
		Format:        b.cfg.Format,
		FileSizeBytes: fsutil.FileSize(b.cfg.Path),
		TotalEntries:  len(b.entries),
		Types:         make(map[model.EntryType]int),
		Dirty:         b.dirty,
		Index: IndexStats{
			Size:       b.index.Len(),
			Dimensions: b.index.Config().Dimensions,
			Metric:     b.index.Config().Metric,
			LastSearch: b.index.LastStats(),
		},
	}
	if !b.lastPersist.IsZero() {
		t := b.lastPersist
		st.LastPersisted = &t
	}

	counts := make(map[string]int)
	for _, e := range b.entries {
		counts[e.Namespace]++
		st.Types[e.Type]++
		st.MemoryUsageBytes += entrySize(e)
	}
	for ns, n := range counts {
		st.Namespaces = append(st.Namespaces, NamespaceStats{Namespace: ns, Count: n})
	}
	sort.Slice(st.Namespaces, func(i, j int) bool {
		if st.Namespaces[i].Count != st.Namespaces[j].Count {
			return st.Namespaces[i].Count > st.Namespaces[j].Count
		}
		return st.Namespaces[i].Namespace < st.Namespaces[j].Namespace
	})
	return st, nil
}

// entrySize approximates the in-memory footprint of e.
func entrySize(e *model.Entry) int64 {
	const overhead = 256
	n := int64(overhead + len(e.ID) + len(e.Key) + len(e.Namespace) + len(e.Content))
	n += int64(4 * len(e.Embedding))
	for _, t := range e.Tags {
		n += int64(len(t))
	}
	for _, r := range e.References {
		n += int64(len(r))
	}
	n += int64(64 * len(e.Metadata))
	return n
}

func (b *Backend) namespacesLocked() []string {
	seen := make(map[string]bool)
	for _, e := range b.entries {
		seen[e.Namespace] = true
	}
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// HealthStatus is the overall or per-component health.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// ComponentHealth reports the health of one component.
type ComponentHealth struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// HealthReport is the result of HealthCheck.
type HealthReport struct {
	Status          HealthStatus               `json:"status"`
	Components      map[string]ComponentHealth `json:"components"`
	Recommendations []string                   `json:"recommendations,omitempty"`
	CheckedAt       time.Time                  `json:"checked_at"`
}

// HealthCheck reports storage and index health. It never fails; a backend
// that is not open is reported as unhealthy.
func (b *Backend) HealthCheck(ctx context.Context) *HealthReport {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r := &HealthReport{
		Components: make(map[string]ComponentHealth),
		CheckedAt:  b.now(),
	}

	if b.state != stateOpen {
		r.Status = Unhealthy
		r.Components["storage"] = ComponentHealth{Status: Unhealthy, Message: "not initialized"}
		r.Components["index"] = ComponentHealth{Status: Unhealthy, Message: "not initialized"}
		r.Recommendations = append(r.Recommendations, "call Initialize before using the store")
		return r
	}

	storage := ComponentHealth{Status: Healthy}
	switch {
	case b.lastPersistErr != nil:
		storage = ComponentHealth{Status: Degraded, Message: fmt.Sprintf("last persist failed: %v", b.lastPersistErr)}
		r.Recommendations = append(r.Recommendations, "check free disk space and permissions for "+b.cfg.Path)
	case b.cfg.MaxEntries > 0 && len(b.entries)*10 > b.cfg.MaxEntries*9:
		storage = ComponentHealth{Status: Degraded,
			Message: fmt.Sprintf("%d of %d entries used", len(b.entries), b.cfg.MaxEntries)}
		r.Recommendations = append(r.Recommendations, "clear unused namespaces or raise the entry limit")
	case fsutil.IsMemoryPath(b.cfg.Path):
		storage.Message = "in-memory store; data is not persisted"
	}

	embedded := 0
	for _, e := range b.entries {
		if e.Embedding != nil {
			embedded++
		}
	}
	index := ComponentHealth{Status: Healthy}
	if n := b.index.Len(); n != embedded {
		index = ComponentHealth{Status: Degraded,
			Message: fmt.Sprintf("index holds %d vectors for %d embedded entries", n, embedded)}
		r.Recommendations = append(r.Recommendations, "rebuild the vector index")
	}

	r.Components["storage"] = storage
	r.Components["index"] = index
	r.Status = Healthy
	if storage.Status != Healthy || index.Status != Healthy {
		r.Status = Degraded
	}
	return r
}
