package store

import (
	"context"
	"math"
	"sort"

	"github.com/rcliao/agentdb/internal/model"
)

// ContextParams holds parameters for context assembly.
type ContextParams struct {
	Namespace string
	Vector    []float32 // optional; without it every candidate is equally relevant
	Type      model.EntryType
	Budget    int // token budget; 1 token is approximated as 4 chars
}

// ContextEntry is a scored entry for context output.
type ContextEntry struct {
	ID        string          `json:"id"`
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Type      model.EntryType `json:"type"`
	Content   string          `json:"content"`
	Score     float64         `json:"score"`
	Excerpt   bool            `json:"excerpt,omitempty"`
}

// ContextResult is the assembled context response.
type ContextResult struct {
	Budget  int            `json:"budget"`
	Used    int            `json:"used"`
	Entries []ContextEntry `json:"entries"`
}

const contextCandidates = 50

// DefaultContextBudget is the token budget used when none is given.
const DefaultContextBudget = 4000

// Context assembles relevant entries within a token budget.
func (b *Backend) Context(ctx context.Context, p ContextParams) (*ContextResult, error) {
	budget := p.Budget
	if budget <= 0 {
		budget = DefaultContextBudget
	}
	// Convert token budget to char budget (rough: 4 chars/token)
	charBudget := budget * 4

	type candidate struct {
		entry     *model.Entry
		relevance float64
	}
	var candidates []candidate

	if p.Vector != nil {
		results, err := b.Search(ctx, p.Vector, SearchParams{K: contextCandidates, Namespace: p.Namespace})
		if err != nil {
			return nil, err
		}
		for i := range results {
			if p.Type != "" && results[i].Type != p.Type {
				continue
			}
			candidates = append(candidates, candidate{entry: &results[i].Entry, relevance: math.Max(results[i].Score, 0)})
		}
	} else {
		entries, err := b.Query(ctx, QueryParams{Namespace: p.Namespace, Type: p.Type, Limit: contextCandidates})
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			candidates = append(candidates, candidate{entry: e, relevance: 1.0})
		}
	}

	if len(candidates) == 0 {
		return &ContextResult{Budget: budget, Used: 0, Entries: []ContextEntry{}}, nil
	}

	now := b.now()
	type scored struct {
		entry *model.Entry
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		e := c.entry
		// Recency: exponential decay by age in days
		age := now.Sub(e.CreatedAt).Hours() / 24.0
		recency := math.Exp(-0.1 * age)

		importance := priorityScore(e.Metadata["priority"])

		// Access frequency: log scale
		accessFreq := 0.0
		if e.AccessCount > 0 {
			accessFreq = math.Log(float64(e.AccessCount)+1) / math.Log(100)
			if accessFreq > 1 {
				accessFreq = 1
			}
		}

		score := c.relevance*0.4 + recency*0.2 + importance*0.2 + accessFreq*0.2
		ranked = append(ranked, scored{entry: e, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	// Greedy packing into budget
	result := &ContextResult{Budget: budget, Entries: []ContextEntry{}}
	used := 0

	for _, c := range ranked {
		out := ContextEntry{
			ID:        c.entry.ID,
			Namespace: c.entry.Namespace,
			Key:       c.entry.Key,
			Type:      c.entry.Type,
			Content:   c.entry.Content,
			Score:     math.Round(c.score*100) / 100,
		}
		contentLen := len(c.entry.Content)
		if used+contentLen <= charBudget {
			result.Entries = append(result.Entries, out)
			used += contentLen
			continue
		}
		if remaining := charBudget - used; remaining >= 100 {
			// Partial fit: excerpt
			out.Content = c.entry.Content[:remaining] + "..."
			out.Excerpt = true
			result.Entries = append(result.Entries, out)
			used += len(out.Content)
		}
		break
	}

	// Convert used chars back to approximate tokens
	result.Used = used / 4
	return result, nil
}

func priorityScore(v any) float64 {
	p, _ := v.(string)
	switch p {
	case "critical":
		return 1.0
	case "high":
		return 0.75
	case "normal":
		return 0.5
	case "low":
		return 0.25
	default:
		return 0.5
	}
}
