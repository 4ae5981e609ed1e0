// Package store provides the durable memory backend: an in-memory entry table
// with namespace/key lookup and vector search, persisted as a point-in-time
// snapshot to a single file.
//
// Two on-disk formats are supported: the native binary format (see format.go)
// and a plain JSON array used for interchange. Select picks one for a path.
package store

import (
	"log/slog"
	"time"

	"github.com/rcliao/agentdb/internal/model"
	"github.com/rcliao/agentdb/internal/vectorindex"
)

// DefaultDimensions is used when no dimension is configured and none can be
// read from an existing file.
const DefaultDimensions = 384

// DefaultNamespace is assigned to entries stored without a namespace.
const DefaultNamespace = "default"

// Config configures a Backend.
type Config struct {
	// Path is the backing file, or fsutil.MemoryPath for no persistence.
	Path string

	// Format selects the on-disk encoding. Zero means FormatBinary.
	Format Format

	// Dimensions is the embedding length. Zero adopts the dimension of an
	// existing file, falling back to DefaultDimensions.
	Dimensions int

	// Metric is the vector similarity metric. Empty means cosine.
	Metric vectorindex.Metric

	// MaxEntries is a soft capacity used by HealthCheck. Zero means unlimited.
	MaxEntries int

	// AutoPersistInterval, when positive, persists dirty state periodically.
	AutoPersistInterval time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// QueryParams holds parameters for listing entries.
type QueryParams struct {
	Namespace     string
	Type          model.EntryType
	Tags          []string
	KeyPrefix     string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// SearchParams holds parameters for vector search.
type SearchParams struct {
	K         int
	Threshold *float64
	Namespace string
}

// SearchResult wraps an entry with its similarity score.
type SearchResult struct {
	model.Entry
	Score float64 `json:"score"`
}

// UpdateParams holds the fields to merge into an entry. Nil fields are left
// unchanged; Metadata is merged key by key.
type UpdateParams struct {
	Content     *string
	Type        *model.EntryType
	AccessLevel *model.AccessLevel
	Tags        []string
	Metadata    map[string]any
	Embedding   []float32
	References  []string
}
