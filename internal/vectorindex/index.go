// Package vectorindex provides an in-memory approximate nearest-neighbor
// index over fixed-dimension float32 vectors.
//
// The index is a single flat layer: vectors are kept in a map keyed by id and
// searched by a scan that keeps the best k candidates. For the cosine metric
// vectors are normalized once on insert, which turns every comparison into a
// dot product and makes self-similarity exactly representable.
//
// Scores are "higher is better" for every metric: cosine similarity, raw dot
// product, or negative Euclidean distance.
package vectorindex

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rcliao/agentdb/internal/errs"
)

// Metric selects the similarity function.
type Metric string

const (
	Cosine    Metric = "cosine"
	Dot       Metric = "dot"
	Euclidean Metric = "euclidean"
)

// ParseMetric parses a metric name. The empty string selects Cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", Cosine:
		return Cosine, nil
	case Dot:
		return Dot, nil
	case Euclidean:
		return Euclidean, nil
	}
	return "", fmt.Errorf("unknown metric %q (valid: cosine, dot, euclidean)", s)
}

// Code returns the stable numeric code used in binary file headers.
func (m Metric) Code() uint16 {
	switch m {
	case Dot:
		return 2
	case Euclidean:
		return 3
	default:
		return 1
	}
}

// MetricFromCode is the inverse of Code.
func MetricFromCode(c uint16) (Metric, error) {
	switch c {
	case 1:
		return Cosine, nil
	case 2:
		return Dot, nil
	case 3:
		return Euclidean, nil
	}
	return "", fmt.Errorf("unknown metric code %d", c)
}

// Config configures an Index.
type Config struct {
	Dimensions int
	Metric     Metric
}

// SearchParams controls a search.
type SearchParams struct {
	// K is the maximum number of results. Values <= 0 select 10.
	K int

	// MinScore, when set, excludes candidates scoring below it.
	MinScore *float64
}

// Result is a ranked search hit.
type Result struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// SearchStats describes the most recent search.
type SearchStats struct {
	CandidatesExamined int `json:"candidates_examined"`
	Returned           int `json:"returned"`
}

// Index is a fixed-dimension vector index. It is safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	cfg     Config
	vectors map[string][]float32

	lastExamined atomic.Int64
	lastReturned atomic.Int64
}

// New creates an empty index.
func New(cfg Config) (*Index, error) {
	if cfg.Dimensions <= 0 {
		return nil, errs.Validation("vectorindex.new", "dimensions must be positive, got %d", cfg.Dimensions)
	}
	m, err := ParseMetric(string(cfg.Metric))
	if err != nil {
		return nil, errs.Validation("vectorindex.new", "%v", err)
	}
	cfg.Metric = m
	return &Index{cfg: cfg, vectors: make(map[string][]float32)}, nil
}

// Config returns the index configuration.
func (ix *Index) Config() Config { return ix.cfg }

// Len returns the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}

// Add inserts or replaces the vector for id. The vector is copied.
func (ix *Index) Add(id string, vec []float32) error {
	if len(vec) != ix.cfg.Dimensions {
		return errs.Validation("vectorindex.add", "dimension mismatch: got %d, want %d", len(vec), ix.cfg.Dimensions)
	}
	stored := make([]float32, len(vec))
	copy(stored, vec)
	if ix.cfg.Metric == Cosine {
		normalizeInPlace(stored)
	}

	ix.mu.Lock()
	ix.vectors[id] = stored
	ix.mu.Unlock()
	return nil
}

// Remove deletes id and reports whether it was present.
func (ix *Index) Remove(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.vectors[id]; !ok {
		return false
	}
	delete(ix.vectors, id)
	return true
}

// Clear removes every vector.
func (ix *Index) Clear() {
	ix.mu.Lock()
	ix.vectors = make(map[string][]float32)
	ix.mu.Unlock()
}

// Search returns up to K ids ranked by descending score. Ties are broken by
// id so results are deterministic.
func (ix *Index) Search(query []float32, p SearchParams) ([]Result, error) {
	if len(query) != ix.cfg.Dimensions {
		return nil, errs.Validation("vectorindex.search", "dimension mismatch: got %d, want %d", len(query), ix.cfg.Dimensions)
	}
	k := p.K
	if k <= 0 {
		k = 10
	}

	q := query
	if ix.cfg.Metric == Cosine {
		q = make([]float32, len(query))
		copy(q, query)
		normalizeInPlace(q)
	}

	ix.mu.RLock()
	results := make([]Result, 0, min(k+1, len(ix.vectors)+1))
	examined := 0
	for id, vec := range ix.vectors {
		examined++
		var score float64
		switch ix.cfg.Metric {
		case Euclidean:
			score = -euclidean(q, vec)
		default:
			score = dot(q, vec)
		}
		if p.MinScore != nil && score < *p.MinScore {
			continue
		}
		results = insertTopK(results, Result{ID: id, Score: score}, k)
	}
	ix.mu.RUnlock()

	ix.lastExamined.Store(int64(examined))
	ix.lastReturned.Store(int64(len(results)))
	return results, nil
}

// LastStats returns statistics for the most recent search.
func (ix *Index) LastStats() SearchStats {
	return SearchStats{
		CandidatesExamined: int(ix.lastExamined.Load()),
		Returned:           int(ix.lastReturned.Load()),
	}
}

// insertTopK keeps results sorted and at most k long.
func insertTopK(results []Result, r Result, k int) []Result {
	i := sort.Search(len(results), func(i int) bool { return less(r, results[i]) })
	if i >= k {
		return results
	}
	results = append(results, Result{})
	copy(results[i+1:], results[i:])
	results[i] = r
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// less orders a before b: higher score first, then lower id.
func less(a, b Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func euclidean(a, b []float32) float64 {
	var s float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		s += d * d
	}
	return math.Sqrt(s)
}

func normalizeInPlace(v []float32) {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	if n == 0 {
		return
	}
	n = math.Sqrt(n)
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
}
