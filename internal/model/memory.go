// Package model defines the core memory data types.
package model

import "time"

// EntryType is the semantic kind of a memory entry.
type EntryType string

const (
	TypeSemantic   EntryType = "semantic"
	TypeEpisodic   EntryType = "episodic"
	TypeProcedural EntryType = "procedural"
	TypeWorking    EntryType = "working"
	TypeKnowledge  EntryType = "knowledge"
)

// ValidTypes are the allowed entry types.
var ValidTypes = map[EntryType]bool{
	TypeSemantic:   true,
	TypeEpisodic:   true,
	TypeProcedural: true,
	TypeWorking:    true,
	TypeKnowledge:  true,
}

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool { return ValidTypes[t] }

// AccessLevel controls who may read an entry.
type AccessLevel string

const (
	AccessPrivate AccessLevel = "private"
	AccessTeam    AccessLevel = "team"
	AccessShared  AccessLevel = "shared"
	AccessPublic  AccessLevel = "public"
	AccessSystem  AccessLevel = "system"
)

// ValidAccessLevels are the allowed access levels.
var ValidAccessLevels = map[AccessLevel]bool{
	AccessPrivate: true,
	AccessTeam:    true,
	AccessShared:  true,
	AccessPublic:  true,
	AccessSystem:  true,
}

// Valid reports whether a is one of the known access levels.
func (a AccessLevel) Valid() bool { return ValidAccessLevels[a] }

// Entry represents a stored memory entry.
type Entry struct {
	ID             string         `json:"id"`
	Key            string         `json:"key"`
	Namespace      string         `json:"namespace"`
	Content        string         `json:"content"`
	Type           EntryType      `json:"type"`
	Embedding      []float32      `json:"embedding,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	AccessLevel    AccessLevel    `json:"access_level"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	Version        int            `json:"version"`
	AccessCount    int            `json:"access_count"`
	References     []string       `json:"references,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Embedding != nil {
		c.Embedding = append([]float32(nil), e.Embedding...)
	}
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	if e.References != nil {
		c.References = append([]string(nil), e.References...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// HasTags reports whether e carries every tag in tags.
func (e *Entry) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range e.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
