// Package sona adapts stored patterns from observed outcomes.
//
// The Coordinator keeps patterns in memory, indexed by embedding, and keeps
// each pattern's success rate as an exponential moving average of the
// outcomes it was used in. Recorded trajectories are queued and folded into
// the matching patterns by RunBackgroundLoop.
package sona

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/agentdb/internal/errs"
	"github.com/rcliao/agentdb/internal/learning"
	"github.com/rcliao/agentdb/internal/model"
	"github.com/rcliao/agentdb/internal/vectorindex"
)

const (
	DefaultAlpha              = 0.1
	DefaultInitialSuccessRate = 0.5
	DefaultK                  = 5
)

// Config configures a Coordinator.
type Config struct {
	// Alpha is the moving-average weight of the newest outcome, in (0,1].
	Alpha float64
	// Metric scores pattern similarity. Empty selects cosine.
	Metric vectorindex.Metric
	// InitialSuccessRate is assigned by StorePattern.
	InitialSuccessRate float64
	Now                func() time.Time
	Logger             *slog.Logger
}

// Match is a pattern returned by FindSimilarPatterns.
type Match struct {
	Pattern model.Pattern `json:"pattern"`
	Score   float64       `json:"score"`
}

// LoopResult reports what a RunBackgroundLoop pass did.
type LoopResult struct {
	Processed  int `json:"processed"`
	Reinforced int `json:"reinforced"`
	Decayed    int `json:"decayed"`
}

// Stats summarizes the coordinator.
type Stats struct {
	Patterns           int     `json:"patterns"`
	AverageSuccessRate float64 `json:"average_success_rate"`
	TotalUses          int     `json:"total_uses"`
	QueuedTrajectories int     `json:"queued_trajectories"`
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	mu      sync.Mutex
	store   *learning.Store
	cfg     Config
	log     *slog.Logger
	entropy *rand.Rand
	ready   bool

	patterns map[string]*model.Pattern
	// indexes holds one index per embedding length.
	indexes map[int]*vectorindex.Index
	queue   []model.Trajectory
}

// New validates cfg. The store must be initialized before Initialize is
// called.
func New(store *learning.Store, cfg Config) (*Coordinator, error) {
	if store == nil {
		return nil, errs.Validation("sona.new", "learning store is required")
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.Alpha < 0 || cfg.Alpha > 1 {
		return nil, errs.Validation("sona.new", "alpha must be in (0,1], got %v", cfg.Alpha)
	}
	m, err := vectorindex.ParseMetric(string(cfg.Metric))
	if err != nil {
		return nil, errs.Validation("sona.new", "%v", err)
	}
	cfg.Metric = m
	if cfg.InitialSuccessRate == 0 {
		cfg.InitialSuccessRate = DefaultInitialSuccessRate
	}
	if cfg.InitialSuccessRate < 0 || cfg.InitialSuccessRate > 1 {
		return nil, errs.Validation("sona.new", "initial success rate must be in [0,1], got %v", cfg.InitialSuccessRate)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		store:   store,
		cfg:     cfg,
		log:     cfg.Logger.With("component", "sona"),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Initialize loads the stored patterns and indexes them.
func (c *Coordinator) Initialize(ctx context.Context) error {
	patterns, err := c.store.LoadPatterns(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.patterns = make(map[string]*model.Pattern, len(patterns))
	c.indexes = make(map[int]*vectorindex.Index)
	for i := range patterns {
		p := patterns[i]
		c.patterns[p.ID] = &p
		if err := c.indexLocked(&p); err != nil {
			return err
		}
	}
	c.ready = true
	c.log.Debug("patterns loaded", "count", len(patterns))
	return nil
}

func (c *Coordinator) checkReady(op string) error {
	if !c.ready {
		return errs.NotInitialized(op)
	}
	return nil
}

func (c *Coordinator) indexLocked(p *model.Pattern) error {
	if len(p.Embedding) == 0 {
		return nil
	}
	ix, ok := c.indexes[len(p.Embedding)]
	if !ok {
		var err error
		ix, err = vectorindex.New(vectorindex.Config{Dimensions: len(p.Embedding), Metric: c.cfg.Metric})
		if err != nil {
			return err
		}
		c.indexes[len(p.Embedding)] = ix
	}
	return ix.Add(p.ID, p.Embedding)
}

func (c *Coordinator) unindexLocked(p *model.Pattern) {
	if ix, ok := c.indexes[len(p.Embedding)]; ok {
		ix.Remove(p.ID)
	}
}

// StorePattern adds a pattern with the configured initial success rate and
// returns its id.
func (c *Coordinator) StorePattern(ctx context.Context, patternType string, embedding []float32) (string, error) {
	return c.StorePatternWithRate(ctx, patternType, embedding, c.cfg.InitialSuccessRate)
}

// StorePatternWithRate adds a pattern with an explicit success rate.
func (c *Coordinator) StorePatternWithRate(ctx context.Context, patternType string, embedding []float32, rate float64) (string, error) {
	if strings.TrimSpace(patternType) == "" {
		return "", errs.Validation("sona.store_pattern", "pattern type is required")
	}
	if len(embedding) == 0 {
		return "", errs.Validation("sona.store_pattern", "embedding is required")
	}
	if rate < 0 || rate > 1 {
		return "", errs.Validation("sona.store_pattern", "success rate must be in [0,1], got %v", rate)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReady("sona.store_pattern"); err != nil {
		return "", err
	}

	now := c.cfg.Now().UTC()
	p := &model.Pattern{
		ID:          ulid.MustNew(ulid.Timestamp(now), c.entropy).String(),
		Type:        patternType,
		Embedding:   append([]float32(nil), embedding...),
		SuccessRate: rate,
		LastUsed:    now,
	}
	if err := c.saveLocked(ctx, p); err != nil {
		return "", err
	}
	if err := c.indexLocked(p); err != nil {
		return "", err
	}
	c.patterns[p.ID] = p
	return p.ID, nil
}

func (c *Coordinator) saveLocked(ctx context.Context, patterns ...*model.Pattern) error {
	batch := make([]model.Pattern, len(patterns))
	for i, p := range patterns {
		batch[i] = *p
	}
	if _, err := c.store.SavePatterns(ctx, batch); err != nil {
		return err
	}
	return c.store.Persist(ctx)
}

// FindSimilarPatterns returns up to k patterns ranked by similarity to
// embedding. Patterns with a different embedding length are never
// candidates. A k of zero or less selects DefaultK.
func (c *Coordinator) FindSimilarPatterns(ctx context.Context, embedding []float32, k int) ([]Match, error) {
	if k <= 0 {
		k = DefaultK
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReady("sona.find_similar_patterns"); err != nil {
		return nil, err
	}
	ix, ok := c.indexes[len(embedding)]
	if !ok || len(embedding) == 0 {
		return nil, nil
	}
	hits, err := ix.Search(embedding, vectorindex.SearchParams{K: k})
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		p, ok := c.patterns[h.ID]
		if !ok {
			continue
		}
		cp := *p
		cp.Embedding = append([]float32(nil), p.Embedding...)
		out = append(out, Match{Pattern: cp, Score: h.Score})
	}
	return out, nil
}

// RecordPatternUsage folds one outcome into the pattern's success rate and
// returns the updated pattern, or nil when id is unknown.
func (c *Coordinator) RecordPatternUsage(ctx context.Context, id string, succeeded bool) (*model.Pattern, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReady("sona.record_pattern_usage"); err != nil {
		return nil, err
	}
	p, ok := c.patterns[id]
	if !ok {
		return nil, nil
	}

	updated := *p
	updated.SuccessRate = c.ema(p.SuccessRate, succeeded)
	updated.UseCount++
	updated.LastUsed = c.cfg.Now().UTC()
	if err := c.saveLocked(ctx, &updated); err != nil {
		return nil, err
	}
	*p = updated

	out := updated
	out.Embedding = append([]float32(nil), p.Embedding...)
	return &out, nil
}

func (c *Coordinator) ema(rate float64, succeeded bool) float64 {
	outcome := 0.0
	if succeeded {
		outcome = 1
	}
	return c.cfg.Alpha*outcome + (1-c.cfg.Alpha)*rate
}

// PrunePatterns removes patterns whose success rate fell below minRate after
// at least minUses uses. It returns how many were removed.
func (c *Coordinator) PrunePatterns(ctx context.Context, minRate float64, minUses int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReady("sona.prune_patterns"); err != nil {
		return 0, err
	}

	var ids []string
	for id, p := range c.patterns {
		if p.SuccessRate < minRate && p.UseCount >= minUses {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if _, err := c.store.DeletePatterns(ctx, ids); err != nil {
		return 0, err
	}
	if err := c.store.Persist(ctx); err != nil {
		return 0, err
	}
	for _, id := range ids {
		c.unindexLocked(c.patterns[id])
		delete(c.patterns, id)
	}
	c.log.Info("patterns pruned", "count", len(ids), "min_rate", minRate, "min_uses", minUses)
	return len(ids), nil
}

// RecordTrajectory persists t and queues it for the next RunBackgroundLoop.
func (c *Coordinator) RecordTrajectory(ctx context.Context, t model.Trajectory) (string, error) {
	if len(t.Steps) == 0 {
		return "", errs.Validation("sona.record_trajectory", "trajectory has no steps")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReady("sona.record_trajectory"); err != nil {
		return "", err
	}
	stored, err := c.store.AppendTrajectory(ctx, t)
	if err != nil {
		return "", err
	}
	if err := c.store.Persist(ctx); err != nil {
		return "", err
	}
	c.queue = append(c.queue, *stored)
	return stored.ID, nil
}

// RunBackgroundLoop drains the trajectory queue. A "success" outcome
// reinforces every pattern whose type matches a step type; "failure" and
// "error" decay them. Other outcomes are counted but change nothing.
func (c *Coordinator) RunBackgroundLoop(ctx context.Context) (LoopResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReady("sona.run_background_loop"); err != nil {
		return LoopResult{}, err
	}

	var res LoopResult
	changed := make(map[string]*model.Pattern)
	for len(c.queue) > 0 {
		if err := ctx.Err(); err != nil {
			break
		}
		t := c.queue[0]
		c.queue = c.queue[1:]
		res.Processed++

		var succeeded bool
		switch strings.ToLower(t.Outcome) {
		case "success":
			succeeded = true
		case "failure", "error":
		default:
			continue
		}

		types := make(map[string]bool, len(t.Steps))
		for _, s := range t.Steps {
			types[s.Type] = true
		}
		for id, p := range c.patterns {
			if !types[p.Type] {
				continue
			}
			p.SuccessRate = c.ema(p.SuccessRate, succeeded)
			changed[id] = p
			if succeeded {
				res.Reinforced++
			} else {
				res.Decayed++
			}
		}
	}

	if len(changed) > 0 {
		batch := make([]*model.Pattern, 0, len(changed))
		for _, p := range changed {
			batch = append(batch, p)
		}
		if err := c.saveLocked(ctx, batch...); err != nil {
			return res, fmt.Errorf("save adapted patterns: %w", err)
		}
	}
	c.log.Debug("background loop", "processed", res.Processed, "reinforced", res.Reinforced, "decayed", res.Decayed)
	return res, ctx.Err()
}

// Stats returns pattern and queue counts.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{Patterns: len(c.patterns), QueuedTrajectories: len(c.queue)}
	var sum float64
	for _, p := range c.patterns {
		sum += p.SuccessRate
		st.TotalUses += p.UseCount
	}
	if st.Patterns > 0 {
		st.AverageSuccessRate = sum / float64(st.Patterns)
	}
	return st
}
