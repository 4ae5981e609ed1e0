package model

import (
	"encoding/json"
	"time"
)

// RecordKind tags a learning-store line.
type RecordKind string

const (
	KindPattern    RecordKind = "pattern"
	KindLora       RecordKind = "lora"
	KindEWC        RecordKind = "ewc"
	KindTrajectory RecordKind = "trajectory"
)

// Valid reports whether k is a known record kind.
func (k RecordKind) Valid() bool {
	switch k {
	case KindPattern, KindLora, KindEWC, KindTrajectory:
		return true
	}
	return false
}

// Pattern is a learned pattern with its running success rate.
type Pattern struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Embedding   []float32 `json:"embedding"`
	SuccessRate float64   `json:"success_rate"`
	UseCount    int       `json:"use_count"`
	LastUsed    time.Time `json:"last_used"`
}

// LoraAdapter is an opaque low-rank adapter blob plus its metadata.
type LoraAdapter struct {
	ID            string          `json:"id"`
	Config        json.RawMessage `json:"config,omitempty"`
	Weights       []byte          `json:"weights,omitempty"`
	Frozen        bool            `json:"frozen"`
	NumParameters int             `json:"num_parameters"`
}

// EWCState is the singleton elastic-weight-consolidation state.
type EWCState struct {
	TasksLearned       int                  `json:"tasks_learned"`
	ProtectionStrength float64              `json:"protection_strength"`
	ForgettingRate     float64              `json:"forgetting_rate"`
	TaskWeights        map[string][]float64 `json:"task_weights,omitempty"`
}

// TrajectoryStep is one step of a recorded trajectory.
type TrajectoryStep struct {
	Type       string  `json:"type"`
	Input      string  `json:"input,omitempty"`
	Output     string  `json:"output,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	Confidence float64 `json:"confidence"`
}

// Trajectory is an ordered sequence of steps and its outcome.
type Trajectory struct {
	ID         string           `json:"id"`
	Steps      []TrajectoryStep `json:"steps"`
	Outcome    string           `json:"outcome"`
	DurationMs int64            `json:"duration_ms"`
	Timestamp  time.Time        `json:"timestamp"`
}
