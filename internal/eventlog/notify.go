package eventlog

import (
	"slices"
	"sync"
)

// NotificationKind identifies what a Notification reports.
type NotificationKind string

const (
	Appended            NotificationKind = "appended"
	SnapshotRecommended NotificationKind = "snapshot_recommended"
	SnapshotSaved       NotificationKind = "snapshot_saved"
	Recovered           NotificationKind = "recovered"
)

// Recovery describes data dropped while opening a file.
type Recovery struct {
	File           string `json:"file"`
	SkippedFrames  int    `json:"skipped_frames"`
	TruncatedBytes int64  `json:"truncated_bytes"`
	MovedTo        string `json:"moved_to,omitempty"`
	TailSavedTo    string `json:"tail_saved_to,omitempty"`
}

// Notification is delivered to listeners after the operation that caused it
// has completed. Only the field matching Kind is set.
type Notification struct {
	Kind     NotificationKind
	Event    *Event
	Snapshot *Snapshot
	Recovery *Recovery
}

// Listener receives notifications. It runs on the caller's goroutine and
// may call back into the log.
type Listener func(Notification)

type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]Listener
}

func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) emit(ns []Notification) {
	if len(ns) == 0 {
		return
	}
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]Listener, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, n := range ns {
		for _, fn := range fns {
			fn(n)
		}
	}
}
