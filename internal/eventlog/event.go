// Package eventlog is an append-only, crash-recoverable store of domain
// events with per-aggregate versioning and a parallel snapshot file.
//
// Events are written as frames (see internal/frame) after a four byte magic
// header. Each append is written and synced before Append returns, so a
// returned event is durable. On open the whole file is scanned: frames that
// fail their checksum or do not decode are skipped, and a torn tail left by a
// crash mid-append is cut off so later appends land on a clean boundary.
package eventlog

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Event is an immutable fact about an aggregate.
type Event struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type,omitempty"`
	Version       int               `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// NewEvent builds an event with payload encoded as JSON.
func NewEvent(eventType, aggregateID string, payload any) (Event, error) {
	ev := Event{Type: eventType, AggregateID: aggregateID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode payload: %w", err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

func (e Event) clone() Event {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	e.Metadata = maps.Clone(e.Metadata)
	return e
}

// Snapshot is a materialized aggregate state at Version.
type Snapshot struct {
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type,omitempty"`
	Version       int             `json:"version"`
	State         json.RawMessage `json:"state"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (s Snapshot) clone() Snapshot {
	if s.State != nil {
		s.State = append(json.RawMessage(nil), s.State...)
	}
	return s
}

// Filter selects events for GetAllEvents. Zero values match everything.
type Filter struct {
	Types  []string
	After  time.Time // exclusive
	Before time.Time // exclusive
	Offset int
	Limit  int // <= 0 means no limit
}

func (f Filter) match(e *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.After.IsZero() && !e.Timestamp.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !e.Timestamp.Before(f.Before) {
		return false
	}
	return true
}

// Stats summarizes the log.
type Stats struct {
	TotalEvents       int            `json:"total_events"`
	EventsByType      map[string]int `json:"events_by_type"`
	EventsByAggregate map[string]int `json:"events_by_aggregate"`
	OldestEvent       *time.Time     `json:"oldest_event,omitempty"`
	NewestEvent       *time.Time     `json:"newest_event,omitempty"`
	SnapshotCount     int            `json:"snapshot_count"`
	FileSizeBytes     int64          `json:"file_size_bytes"`
}
