// Package learning persists learning artifacts: patterns, LoRA adapters, the
// EWC state and trajectories.
//
// The file is line oriented. The first line is the header "AMLS1"; every
// following line is one JSON object {"kind": ..., "data": ...}. Loading is
// tolerant: a wrong header is logged, and an unparseable or oversized line is
// skipped. When a line is skipped the original file is moved aside before the
// readable records are written back. Later lines for the same pattern or
// adapter id replace earlier ones.
package learning

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/rand"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/agentdb/internal/errs"
	"github.com/rcliao/agentdb/internal/fsutil"
	"github.com/rcliao/agentdb/internal/model"
)

// Header is the first line of a learning store file.
const Header = "AMLS1"

// DefaultMaxRecordSize bounds a single encoded record line.
const DefaultMaxRecordSize = 64 << 20

// Config configures a Store.
type Config struct {
	// Path is the store file, or fsutil.MemoryPath for no persistence.
	Path string
	// MaxRecordSize bounds one encoded record. Saving a larger record fails,
	// and larger lines in the file are skipped. Zero means
	// DefaultMaxRecordSize.
	MaxRecordSize int
	Logger        *slog.Logger
	Now           func() time.Time
}

// Stats summarizes the store.
type Stats struct {
	Patterns      int   `json:"patterns"`
	LoraAdapters  int   `json:"lora_adapters"`
	Trajectories  int   `json:"trajectories"`
	HasEWCState   bool  `json:"has_ewc_state"`
	FileSizeBytes int64 `json:"file_size_bytes"`
}

type record struct {
	Kind model.RecordKind `json:"kind"`
	Data json.RawMessage  `json:"data"`
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateOpen
	stateClosed
)

// Store holds learning artifacts in memory and rewrites the file on Persist.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	cfg     Config
	log     *slog.Logger
	state   lifecycle
	entropy *rand.Rand
	dirty   bool

	patterns     map[string]*model.Pattern
	adapters     map[string]*model.LoraAdapter
	ewc          *model.EWCState
	trajectories []*model.Trajectory
}

// New validates cfg and returns an unopened store.
func New(cfg Config) (*Store, error) {
	if err := fsutil.ValidatePath("learning.new", cfg.Path); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxRecordSize < 0 {
		return nil, errs.Validation("learning.new", "max record size must not be negative, got %d", cfg.MaxRecordSize)
	}
	if cfg.MaxRecordSize == 0 {
		cfg.MaxRecordSize = DefaultMaxRecordSize
	}
	return &Store{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "learning", "path", cfg.Path),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Path returns the store file path.
func (s *Store) Path() string { return s.cfg.Path }

// Initialize loads the file if it exists. Calling it on an open store is a
// no-op; calling it after Close reloads from disk.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateOpen {
		return nil
	}

	s.patterns = make(map[string]*model.Pattern)
	s.adapters = make(map[string]*model.LoraAdapter)
	s.ewc = nil
	s.trajectories = nil
	s.dirty = false

	if !fsutil.IsMemoryPath(s.cfg.Path) {
		if err := s.load(); err != nil {
			return err
		}
	}
	s.state = stateOpen
	return nil
}

func (s *Store) load() error {
	f, err := os.Open(s.cfg.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.IO("learning.initialize", err)
	}
	skipped, err := s.readRecords(bufio.NewReader(f))
	f.Close()
	if err != nil {
		return errs.IO("learning.initialize", err)
	}
	s.log.Debug("learning store loaded", "patterns", len(s.patterns), "adapters", len(s.adapters),
		"trajectories", len(s.trajectories), "skipped", skipped)
	if skipped == 0 {
		return nil
	}

	moved := fmt.Sprintf("%s.corrupt-%d", s.cfg.Path, time.Now().UnixNano())
	if err := os.Rename(s.cfg.Path, moved); err != nil {
		return errs.IO("learning.initialize", fmt.Errorf("move aside: %w", err))
	}
	s.log.Warn("learning store had unreadable records; original moved aside", "skipped", skipped, "moved_to", moved)
	s.dirty = true
	if err := s.persistLocked(); err != nil {
		if rerr := os.Rename(moved, s.cfg.Path); rerr != nil {
			s.log.Error("could not restore learning store", "moved_to", moved, "err", rerr)
		}
		return err
	}
	return nil
}

// readRecords applies every readable line of r and returns how many lines
// were skipped.
func (s *Store) readRecords(r *bufio.Reader) (int, error) {
	lineNum, skipped := 0, 0
	for {
		raw, tooLong, err := readLine(r, s.cfg.MaxRecordSize)
		if errors.Is(err, io.EOF) {
			return skipped, nil
		}
		if err != nil {
			return skipped, err
		}
		lineNum++
		if tooLong {
			s.log.Warn("skipping oversized learning record", "line", lineNum, "limit", s.cfg.MaxRecordSize)
			skipped++
			continue
		}
		line := bytes.TrimSpace(raw)
		if lineNum == 1 {
			if string(line) == Header {
				continue
			}
			s.log.Warn("missing learning store header; reading records anyway")
		}
		if len(line) == 0 {
			continue
		}
		if err := s.apply(line); err != nil {
			s.log.Warn("skipping corrupted learning record", "line", lineNum, "err", err)
			skipped++
		}
	}
}

// readLine returns the next line of r. A line whose content is longer than
// limit is consumed whole and reported as too long. io.EOF is returned only
// when nothing is left.
func readLine(r *bufio.Reader, limit int) ([]byte, bool, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			n := len(line)
			if n > 0 && line[n-1] == '\n' {
				n--
			}
			if n > limit {
				tooLong, line = true, nil
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) == 0 && !tooLong {
				return nil, false, io.EOF
			}
			return line, tooLong, nil
		case err != nil:
			return nil, false, err
		}
		return line, tooLong, nil
	}
}

// apply decodes one record line into the in-memory state.
func (s *Store) apply(line []byte) error {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return err
	}
	if !rec.Kind.Valid() {
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	switch rec.Kind {
	case model.KindPattern:
		var p model.Pattern
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			return err
		}
		if p.ID == "" {
			return fmt.Errorf("pattern without id")
		}
		s.patterns[p.ID] = &p
	case model.KindLora:
		var a model.LoraAdapter
		if err := json.Unmarshal(rec.Data, &a); err != nil {
			return err
		}
		if a.ID == "" {
			return fmt.Errorf("adapter without id")
		}
		s.adapters[a.ID] = &a
	case model.KindEWC:
		var e model.EWCState
		if err := json.Unmarshal(rec.Data, &e); err != nil {
			return err
		}
		s.ewc = &e
	case model.KindTrajectory:
		var t model.Trajectory
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			return err
		}
		s.trajectories = append(s.trajectories, &t)
	}
	return nil
}

func (s *Store) checkOpen(op string) error {
	if s.state != stateOpen {
		return errs.NotInitialized(op)
	}
	return nil
}

// SavePatterns upserts patterns by id and returns how many were saved. The
// batch is validated before anything is applied.
func (s *Store) SavePatterns(ctx context.Context, patterns []model.Pattern) (int, error) {
	for i, p := range patterns {
		if p.ID == "" {
			return 0, errs.Validation("learning.save_patterns", "pattern %d has no id", i)
		}
		if p.SuccessRate < 0 || p.SuccessRate > 1 {
			return 0, errs.Validation("learning.save_patterns", "pattern %s success rate %v outside [0,1]", p.ID, p.SuccessRate)
		}
		if _, err := s.encodeRecord("learning.save_patterns", model.KindPattern, &p); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("learning.save_patterns"); err != nil {
		return 0, err
	}
	for _, p := range patterns {
		s.patterns[p.ID] = clonePattern(&p)
	}
	if len(patterns) > 0 {
		s.dirty = true
	}
	return len(patterns), nil
}

// LoadPatterns returns every pattern ordered by id.
func (s *Store) LoadPatterns(ctx context.Context) ([]model.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("learning.load_patterns"); err != nil {
		return nil, err
	}
	out := make([]model.Pattern, 0, len(s.patterns))
	for _, id := range slices.Sorted(maps.Keys(s.patterns)) {
		out = append(out, *clonePattern(s.patterns[id]))
	}
	return out, nil
}

// DeletePatterns removes ids and returns how many existed.
func (s *Store) DeletePatterns(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("learning.delete_patterns"); err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, ok := s.patterns[id]; ok {
			delete(s.patterns, id)
			n++
		}
	}
	if n > 0 {
		s.dirty = true
	}
	return n, nil
}

// SaveLoraAdapter upserts a by id.
func (s *Store) SaveLoraAdapter(ctx context.Context, a model.LoraAdapter) error {
	if a.ID == "" {
		return errs.Validation("learning.save_lora_adapter", "adapter has no id")
	}
	if len(a.Config) > 0 && !json.Valid(a.Config) {
		return errs.Validation("learning.save_lora_adapter", "adapter %s config is not valid JSON", a.ID)
	}
	if _, err := s.encodeRecord("learning.save_lora_adapter", model.KindLora, &a); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("learning.save_lora_adapter"); err != nil {
		return err
	}
	s.adapters[a.ID] = cloneAdapter(&a)
	s.dirty = true
	return nil
}

// LoadLoraAdapters returns every adapter ordered by id.
func (s *Store) LoadLoraAdapters(ctx context.Context) ([]model.LoraAdapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("learning.load_lora_adapters"); err != nil {
		return nil, err
	}
	out := make([]model.LoraAdapter, 0, len(s.adapters))
	for _, id := range slices.Sorted(maps.Keys(s.adapters)) {
		out = append(out, *cloneAdapter(s.adapters[id]))
	}
	return out, nil
}

// DeleteLoraAdapter removes id and reports whether it existed.
func (s *Store) DeleteLoraAdapter(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("learning.delete_lora_adapter"); err != nil {
		return false, err
	}
	if _, ok := s.adapters[id]; !ok {
		return false, nil
	}
	delete(s.adapters, id)
	s.dirty = true
	return true, nil
}

// SaveEWCState replaces the stored EWC state.
func (s *Store) SaveEWCState(ctx context.Context, e model.EWCState) error {
	if _, err := s.encodeRecord("learning.save_ewc_state", model.KindEWC, &e); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("learning.save_ewc_state"); err != nil {
		return err
	}
	s.ewc = cloneEWC(&e)
	s.dirty = true
	return nil
}

// LoadEWCState returns the EWC state, or nil when none was saved.
func (s *Store) LoadEWCState(ctx context.Context) (*model.EWCState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("learning.load_ewc_state"); err != nil {
		return nil, err
	}
	if s.ewc == nil {
		return nil, nil
	}
	return cloneEWC(s.ewc), nil
}

// AppendTrajectory stores t and returns the stored copy. ID and Timestamp
// are filled when empty.
func (s *Store) AppendTrajectory(ctx context.Context, t model.Trajectory) (*model.Trajectory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("learning.append_trajectory"); err != nil {
		return nil, err
	}
	now := s.cfg.Now().UTC()
	if t.ID == "" {
		t.ID = ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = now
	}
	if _, err := s.encodeRecord("learning.append_trajectory", model.KindTrajectory, &t); err != nil {
		return nil, err
	}
	stored := cloneTrajectory(&t)
	s.trajectories = append(s.trajectories, stored)
	s.dirty = true
	return cloneTrajectory(stored), nil
}

// GetTrajectories returns up to limit trajectories, newest first. A limit
// of zero or less returns all of them.
func (s *Store) GetTrajectories(ctx context.Context, limit int) ([]model.Trajectory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("learning.get_trajectories"); err != nil {
		return nil, err
	}
	n := len(s.trajectories)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.Trajectory, 0, n)
	for i := len(s.trajectories) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *cloneTrajectory(s.trajectories[i]))
	}
	return out, nil
}

// TrajectoryCount returns the number of stored trajectories.
func (s *Store) TrajectoryCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("learning.trajectory_count"); err != nil {
		return 0, err
	}
	return len(s.trajectories), nil
}

// Stats returns per-kind counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("learning.stats"); err != nil {
		return nil, err
	}
	return &Stats{
		Patterns:      len(s.patterns),
		LoraAdapters:  len(s.adapters),
		Trajectories:  len(s.trajectories),
		HasEWCState:   s.ewc != nil,
		FileSizeBytes: fsutil.FileSize(s.cfg.Path),
	}, nil
}

// Persist rewrites the file if anything changed since the last persist.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("learning.persist"); err != nil {
		return err
	}
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if !s.dirty {
		return nil
	}
	if fsutil.IsMemoryPath(s.cfg.Path) {
		s.dirty = false
		return nil
	}
	data, err := s.encodeLocked()
	if err != nil {
		return fmt.Errorf("encode learning store: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.cfg.Path, data, 0o644); err != nil {
		return errs.IO("learning.persist", err)
	}
	s.dirty = false
	return nil
}

func (s *Store) encodeLocked() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Header)
	buf.WriteByte('\n')

	write := func(kind model.RecordKind, v any) error {
		line, err := s.encodeRecord("learning.persist", kind, v)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
		return nil
	}

	for _, id := range slices.Sorted(maps.Keys(s.patterns)) {
		if err := write(model.KindPattern, s.patterns[id]); err != nil {
			return nil, err
		}
	}
	for _, id := range slices.Sorted(maps.Keys(s.adapters)) {
		if err := write(model.KindLora, s.adapters[id]); err != nil {
			return nil, err
		}
	}
	if s.ewc != nil {
		if err := write(model.KindEWC, s.ewc); err != nil {
			return nil, err
		}
	}
	for _, t := range s.trajectories {
		if err := write(model.KindTrajectory, t); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// encodeRecord returns the file line for v, failing when it is longer than
// the configured record size.
func (s *Store) encodeRecord(op string, kind model.RecordKind, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(record{Kind: kind, Data: data})
	if err != nil {
		return nil, err
	}
	if len(line) > s.cfg.MaxRecordSize {
		return nil, errs.Validation(op, "%s record is %d bytes, limit %d", kind, len(line), s.cfg.MaxRecordSize)
	}
	return line, nil
}

// Close persists pending changes and closes the store. Calling it again is
// a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return nil
	}
	err := s.persistLocked()
	s.state = stateClosed
	s.patterns, s.adapters, s.ewc, s.trajectories = nil, nil, nil, nil
	return err
}

func clonePattern(p *model.Pattern) *model.Pattern {
	c := *p
	c.Embedding = slices.Clone(p.Embedding)
	return &c
}

func cloneAdapter(a *model.LoraAdapter) *model.LoraAdapter {
	c := *a
	c.Config = slices.Clone(a.Config)
	c.Weights = slices.Clone(a.Weights)
	return &c
}

func cloneEWC(e *model.EWCState) *model.EWCState {
	c := *e
	if e.TaskWeights != nil {
		c.TaskWeights = make(map[string][]float64, len(e.TaskWeights))
		for k, v := range e.TaskWeights {
			c.TaskWeights[k] = slices.Clone(v)
		}
	}
	return &c
}

func cloneTrajectory(t *model.Trajectory) *model.Trajectory {
	c := *t
	c.Steps = slices.Clone(t.Steps)
	return &c
}
