package vectorindex

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agentdb/internal/errs"
)

func newIndex(t *testing.T, dims int, m Metric) *Index {
	t.Helper()
	ix, err := New(Config{Dimensions: dims, Metric: m})
	require.NoError(t, err)
	return ix
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestSearchRanksNearestFirst(t *testing.T) {
	ix := newIndex(t, 4, Cosine)
	require.NoError(t, ix.Add("a", []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Add("b", []float32{0, 1, 0, 0}))
	require.NoError(t, ix.Add("c", []float32{0.9, 0.1, 0, 0}))

	res, err := ix.Search([]float32{1, 0, 0, 0}, SearchParams{K: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(res))
	assert.InDelta(t, 1.0, res[0].Score, 1e-6)

	stats := ix.LastStats()
	assert.Equal(t, 3, stats.CandidatesExamined)
	assert.Equal(t, 2, stats.Returned)
}

func TestSelfSimilarityIsMaximal(t *testing.T) {
	ix := newIndex(t, 16, Cosine)
	var target []float32
	for i := 0; i < 50; i++ {
		v := make([]float32, 16)
		for j := range v {
			v[j] = float32(math.Sin(float64(i*16+j))) * 3
		}
		require.NoError(t, ix.Add(fmt.Sprintf("v%02d", i), v))
		if i == 17 {
			target = v
		}
	}

	res, err := ix.Search(target, SearchParams{K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Equal(t, "v17", res[0].ID)
	assert.InDelta(t, 1.0, res[0].Score, 1e-5)
}

func TestThresholdExcludesLowScores(t *testing.T) {
	ix := newIndex(t, 2, Cosine)
	require.NoError(t, ix.Add("same", []float32{1, 0}))
	require.NoError(t, ix.Add("orthogonal", []float32{0, 1}))
	require.NoError(t, ix.Add("opposite", []float32{-1, 0}))

	floor := 0.5
	res, err := ix.Search([]float32{1, 0}, SearchParams{K: 10, MinScore: &floor})
	require.NoError(t, err)
	assert.Equal(t, []string{"same"}, ids(res))
}

func TestAddReplaceAndRemove(t *testing.T) {
	ix := newIndex(t, 2, Dot)
	require.NoError(t, ix.Add("x", []float32{1, 1}))
	require.NoError(t, ix.Add("x", []float32{2, 2}))
	assert.Equal(t, 1, ix.Len())

	res, err := ix.Search([]float32{1, 0}, SearchParams{K: 1})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res[0].Score, 1e-9)

	assert.True(t, ix.Remove("x"))
	assert.False(t, ix.Remove("x"))
	assert.Equal(t, 0, ix.Len())
}

func TestEuclideanIsNegativeDistance(t *testing.T) {
	ix := newIndex(t, 2, Euclidean)
	require.NoError(t, ix.Add("near", []float32{1, 1}))
	require.NoError(t, ix.Add("far", []float32{5, 5}))

	res, err := ix.Search([]float32{0, 0}, SearchParams{K: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"near", "far"}, ids(res))
	assert.InDelta(t, -math.Sqrt2, res[0].Score, 1e-6)
}

func TestDimensionMismatch(t *testing.T) {
	ix := newIndex(t, 3, Cosine)
	assert.True(t, errs.IsValidation(ix.Add("a", []float32{1, 2})))
	_, err := ix.Search([]float32{1}, SearchParams{})
	assert.True(t, errs.IsValidation(err))

	_, err = New(Config{Dimensions: 0})
	assert.True(t, errs.IsValidation(err))
	_, err = New(Config{Dimensions: 3, Metric: "manhattan"})
	assert.True(t, errs.IsValidation(err))
}

func TestAddCopiesInput(t *testing.T) {
	ix := newIndex(t, 2, Dot)
	v := []float32{1, 0}
	require.NoError(t, ix.Add("a", v))
	v[0] = -100

	res, err := ix.Search([]float32{1, 0}, SearchParams{K: 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res[0].Score, 1e-9)
}

func TestScores(t *testing.T) {
	tests := []struct {
		name     string
		metric   Metric
		stored   []float32
		query    []float32
		expected float64
		delta    float64
	}{
		{"identical", Cosine, []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0, 0.001},
		{"orthogonal", Cosine, []float32{1, 0, 0}, []float32{0, 1, 0}, 0.0, 0.001},
		{"opposite", Cosine, []float32{1, 0, 0}, []float32{-1, 0, 0}, -1.0, 0.001},
		{"similar", Cosine, []float32{1, 1, 0}, []float32{1, 0, 0}, 0.707, 0.01},
		{"zero query", Cosine, []float32{1, 0, 0}, []float32{0, 0, 0}, 0.0, 0.001},
		{"dot", Dot, []float32{1, 1, 0}, []float32{1, 2, 0}, 3.0, 1e-9},
		{"euclidean", Euclidean, []float32{0, 0, 0}, []float32{3, 4, 0}, -5.0, 1e-9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix, err := New(Config{Dimensions: 3, Metric: tt.metric})
			require.NoError(t, err)
			require.NoError(t, ix.Add("v", tt.stored))

			res, err := ix.Search(tt.query, SearchParams{K: 1})
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.InDelta(t, tt.expected, res[0].Score, tt.delta)
		})
	}
}

func TestMetricCodes(t *testing.T) {
	for _, m := range []Metric{Cosine, Dot, Euclidean} {
		got, err := MetricFromCode(m.Code())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := MetricFromCode(99)
	assert.Error(t, err)

	m, err := ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, Cosine, m)
}
