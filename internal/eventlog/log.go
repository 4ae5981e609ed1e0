package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcliao/agentdb/internal/errs"
	"github.com/rcliao/agentdb/internal/fsutil"
)

var (
	eventMagic    = []byte("AMEL")
	snapshotMagic = []byte("AMSS")
)

// SnapshotSuffix is appended to the event file path to name the snapshot file.
const SnapshotSuffix = ".snapshots"

// DefaultSnapshotEvery is the version interval at which a snapshot is
// recommended.
const DefaultSnapshotEvery = 100

// Config configures a Log.
type Config struct {
	// Path is the event file, or fsutil.MemoryPath to keep events in memory.
	Path string

	// SnapshotEvery triggers a SnapshotRecommended notification whenever an
	// aggregate reaches a multiple of it. Zero means DefaultSnapshotEvery.
	SnapshotEvery int

	// NoSync skips the fsync after each append. Appends are then durable
	// only once the OS flushes them.
	NoSync bool

	Logger *slog.Logger
	Now    func() time.Time
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateOpen
	stateClosed
)

// Log is the event log. It is safe for concurrent use.
type Log struct {
	mu    sync.RWMutex
	cfg   Config
	log   *slog.Logger
	state lifecycle

	events *framedFile
	snaps  *framedFile

	all       []*Event
	byAgg     map[string][]*Event
	snapshots map[string]*Snapshot

	subs listeners
}

// New validates cfg and returns an unopened log.
func New(cfg Config) (*Log, error) {
	if err := fsutil.ValidatePath("eventlog.new", cfg.Path); err != nil {
		return nil, err
	}
	if cfg.SnapshotEvery < 0 {
		return nil, errs.Validation("eventlog.new", "snapshot interval must not be negative, got %d", cfg.SnapshotEvery)
	}
	if cfg.SnapshotEvery == 0 {
		cfg.SnapshotEvery = DefaultSnapshotEvery
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Log{
		cfg: cfg,
		log: cfg.Logger.With("component", "eventlog", "path", cfg.Path),
	}, nil
}

// Path returns the event file path.
func (l *Log) Path() string { return l.cfg.Path }

// SnapshotPath returns the snapshot file path.
func (l *Log) SnapshotPath() string {
	if fsutil.IsMemoryPath(l.cfg.Path) {
		return l.cfg.Path
	}
	return l.cfg.Path + SnapshotSuffix
}

// Initialize opens both files and rebuilds the in-memory indexes. Damaged
// data is dropped and reported through a Recovered notification. Calling it
// on an open log is a no-op; calling it after Close reopens the files.
func (l *Log) Initialize(ctx context.Context) error {
	l.mu.Lock()
	if l.state == stateOpen {
		l.mu.Unlock()
		return nil
	}
	notes, err := l.openLocked()
	l.mu.Unlock()

	l.subs.emit(notes)
	return err
}

func (l *Log) openLocked() ([]Notification, error) {
	l.all = nil
	l.byAgg = make(map[string][]*Event)
	l.snapshots = make(map[string]*Snapshot)

	if fsutil.IsMemoryPath(l.cfg.Path) {
		l.state = stateOpen
		return nil, nil
	}
	if err := fsutil.EnsureDir(l.cfg.Path); err != nil {
		return nil, errs.IO("eventlog.initialize", err)
	}

	var notes []Notification
	events, rec, err := openFramed(l.cfg.Path, eventMagic, !l.cfg.NoSync, l.loadEvent)
	if err != nil {
		return nil, errs.IO("eventlog.initialize", err)
	}
	if rec != nil {
		l.log.Warn("recovered event log", "skipped", rec.SkippedFrames,
			"truncated_bytes", rec.TruncatedBytes, "moved_to", rec.MovedTo, "tail_saved_to", rec.TailSavedTo)
		notes = append(notes, Notification{Kind: Recovered, Recovery: rec})
	}

	snaps, rec, err := openFramed(l.SnapshotPath(), snapshotMagic, !l.cfg.NoSync, l.loadSnapshot)
	if err != nil {
		events.close()
		return nil, errs.IO("eventlog.initialize", err)
	}
	if rec != nil {
		l.log.Warn("recovered snapshot file", "skipped", rec.SkippedFrames,
			"truncated_bytes", rec.TruncatedBytes, "moved_to", rec.MovedTo, "tail_saved_to", rec.TailSavedTo)
		notes = append(notes, Notification{Kind: Recovered, Recovery: rec})
	}

	l.events, l.snaps = events, snaps
	l.state = stateOpen
	l.log.Debug("event log opened", "events", len(l.all), "aggregates", len(l.byAgg), "snapshots", len(l.snapshots))
	return notes, nil
}

func (l *Log) loadEvent(body []byte) error {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return err
	}
	if ev.Type == "" || ev.AggregateID == "" {
		return errors.New("event without type or aggregate id")
	}
	l.indexLocked(&ev)
	return nil
}

func (l *Log) loadSnapshot(body []byte) error {
	var s Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return err
	}
	if s.AggregateID == "" {
		return errors.New("snapshot without aggregate id")
	}
	l.snapshots[s.AggregateID] = &s
	return nil
}

func (l *Log) indexLocked(ev *Event) {
	l.all = append(l.all, ev)
	l.byAgg[ev.AggregateID] = append(l.byAgg[ev.AggregateID], ev)
}

func (l *Log) versionLocked(aggregateID string) int {
	evs := l.byAgg[aggregateID]
	if len(evs) == 0 {
		return 0
	}
	return evs[len(evs)-1].Version
}

func (l *Log) checkOpen(op string) error {
	if l.state != stateOpen {
		return errs.NotInitialized(op)
	}
	return nil
}

func (l *Log) now() time.Time { return l.cfg.Now().UTC() }

// Append assigns the next version for ev.AggregateID, writes the event and
// returns the stored copy. ID and Timestamp are filled when empty.
func (l *Log) Append(ctx context.Context, ev Event) (Event, error) {
	if strings.TrimSpace(ev.Type) == "" {
		return Event{}, errs.Validation("eventlog.append", "event type is required")
	}
	if strings.TrimSpace(ev.AggregateID) == "" {
		return Event{}, errs.Validation("eventlog.append", "aggregate id is required")
	}
	if len(ev.Payload) > 0 && !json.Valid(ev.Payload) {
		return Event{}, errs.Validation("eventlog.append", "payload is not valid JSON")
	}

	stored, notes, err := l.append(ev.clone())
	if err != nil {
		return Event{}, err
	}
	l.subs.emit(notes)
	return stored, nil
}

func (l *Log) append(ev Event) (Event, []Notification, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkOpen("eventlog.append"); err != nil {
		return Event{}, nil, err
	}

	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Event{}, nil, fmt.Errorf("generate event id: %w", err)
		}
		ev.ID = id.String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	ev.Version = l.versionLocked(ev.AggregateID) + 1

	if l.events != nil {
		body, err := json.Marshal(ev)
		if err != nil {
			return Event{}, nil, fmt.Errorf("encode event: %w", err)
		}
		if err := l.events.append(body); err != nil {
			return Event{}, nil, errs.IO("eventlog.append", err)
		}
	}

	stored := ev
	l.indexLocked(&stored)

	appended := ev.clone()
	notes := []Notification{{Kind: Appended, Event: &appended}}
	if ev.Version%l.cfg.SnapshotEvery == 0 {
		recommend := ev.clone()
		notes = append(notes, Notification{Kind: SnapshotRecommended, Event: &recommend})
	}
	return ev.clone(), notes, nil
}

// GetEvents returns the events of aggregateID with version >= fromVersion in
// ascending version order.
func (l *Log) GetEvents(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.checkOpen("eventlog.get_events"); err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range l.byAgg[aggregateID] {
		if ev.Version >= fromVersion {
			out = append(out, ev.clone())
		}
	}
	return out, nil
}

// GetAllEvents returns events matching f in ascending timestamp order; events
// with equal timestamps keep their append order.
func (l *Log) GetAllEvents(ctx context.Context, f Filter) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.checkOpen("eventlog.get_all_events"); err != nil {
		return nil, err
	}

	var matched []*Event
	for _, ev := range l.all {
		if f.match(ev) {
			matched = append(matched, ev)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []Event{}, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]Event, len(matched))
	for i, ev := range matched {
		out[i] = ev.clone()
	}
	return out, nil
}

// SaveSnapshot writes s and makes it the current snapshot of its aggregate.
func (l *Log) SaveSnapshot(ctx context.Context, s Snapshot) error {
	if strings.TrimSpace(s.AggregateID) == "" {
		return errs.Validation("eventlog.save_snapshot", "aggregate id is required")
	}
	if s.Version < 0 {
		return errs.Validation("eventlog.save_snapshot", "version must not be negative, got %d", s.Version)
	}
	if len(s.State) > 0 && !json.Valid(s.State) {
		return errs.Validation("eventlog.save_snapshot", "state is not valid JSON")
	}
	s = s.clone()

	l.mu.Lock()
	if err := l.checkOpen("eventlog.save_snapshot"); err != nil {
		l.mu.Unlock()
		return err
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = l.now()
	}
	if l.snaps != nil {
		body, err := json.Marshal(s)
		if err != nil {
			l.mu.Unlock()
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if err := l.snaps.append(body); err != nil {
			l.mu.Unlock()
			return errs.IO("eventlog.save_snapshot", err)
		}
	}
	stored := s
	l.snapshots[s.AggregateID] = &stored
	l.mu.Unlock()

	saved := s.clone()
	l.subs.emit([]Notification{{Kind: SnapshotSaved, Snapshot: &saved}})
	return nil
}

// GetSnapshot returns the latest snapshot of aggregateID, or nil.
func (l *Log) GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.checkOpen("eventlog.get_snapshot"); err != nil {
		return nil, err
	}
	s, ok := l.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	c := s.clone()
	return &c, nil
}

// Stats summarizes the log contents.
func (l *Log) Stats(ctx context.Context) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.checkOpen("eventlog.stats"); err != nil {
		return nil, err
	}

	st := &Stats{
		TotalEvents:       len(l.all),
		EventsByType:      make(map[string]int),
		EventsByAggregate: make(map[string]int, len(l.byAgg)),
		SnapshotCount:     len(l.snapshots),
		FileSizeBytes:     fsutil.FileSize(l.cfg.Path),
	}
	for agg, evs := range l.byAgg {
		st.EventsByAggregate[agg] = len(evs)
	}
	for _, ev := range l.all {
		st.EventsByType[ev.Type]++
		ts := ev.Timestamp
		if st.OldestEvent == nil || ts.Before(*st.OldestEvent) {
			st.OldestEvent = &ts
		}
		if st.NewestEvent == nil || ts.After(*st.NewestEvent) {
			st.NewestEvent = &ts
		}
	}
	return st, nil
}

// Subscribe registers fn for notifications and returns a function that
// removes it. Subscribing before Initialize also delivers recovery reports.
func (l *Log) Subscribe(fn Listener) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	return l.subs.add(fn)
}

// Close releases the files. Further operations fail until Initialize is
// called again. Calling Close more than once is a no-op.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateOpen {
		return nil
	}
	err := errors.Join(l.events.close(), l.snaps.close())
	l.events, l.snaps = nil, nil
	l.all, l.byAgg, l.snapshots = nil, nil, nil
	l.state = stateClosed
	if err != nil {
		return errs.IO("eventlog.close", err)
	}
	return nil
}
