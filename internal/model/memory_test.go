package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClosedSets(t *testing.T) {
	assert.True(t, TypeEpisodic.Valid())
	assert.False(t, EntryType("dream").Valid())
	assert.True(t, AccessShared.Valid())
	assert.False(t, AccessLevel("everyone").Valid())
	assert.True(t, KindTrajectory.Valid())
	assert.False(t, RecordKind("weights").Valid())
}

func TestCloneIsDeep(t *testing.T) {
	e := &Entry{
		ID:         "a",
		Embedding:  []float32{1, 2},
		Tags:       []string{"x"},
		References: []string{"b"},
		Metadata:   map[string]any{"k": "v"},
	}
	c := e.Clone()
	c.Embedding[0] = 9
	c.Tags[0] = "y"
	c.References[0] = "z"
	c.Metadata["k"] = "w"

	assert.Equal(t, float32(1), e.Embedding[0])
	assert.Equal(t, "x", e.Tags[0])
	assert.Equal(t, "b", e.References[0])
	assert.Equal(t, "v", e.Metadata["k"])

	var nilEntry *Entry
	assert.Nil(t, nilEntry.Clone())
}

func TestHasTags(t *testing.T) {
	e := &Entry{Tags: []string{"deploy", "infra"}}
	assert.True(t, e.HasTags(nil))
	assert.True(t, e.HasTags([]string{"deploy"}))
	assert.True(t, e.HasTags([]string{"infra", "deploy"}))
	assert.False(t, e.HasTags([]string{"deploy", "db"}))
}
