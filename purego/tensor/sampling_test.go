package tensor

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleGreedy(t *testing.T) {
	logits := []float32{0.1, 2, -1, 2}
	assert.Equal(t, 1, Sample(logits, &SamplingParams{Temperature: 0}, rand.New(rand.NewSource(1))))
	assert.Equal(t, []float32{0.1, 2, -1, 2}, logits)
}

func TestSampleTruncation(t *testing.T) {
	logits := []float32{3, 0, 2.5, -1, 1}
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 200; i++ {
		id := Sample(logits, &SamplingParams{Temperature: 1, TopK: 2, TopP: 1}, rng)
		assert.Contains(t, []int{0, 2}, id)
	}
	for i := 0; i < 200; i++ {
		id := Sample(logits, &SamplingParams{Temperature: 1, TopP: 0.1}, rng)
		assert.Equal(t, 0, id, "the top token alone covers a tenth of the mass")
	}
}

func TestSampleFollowsDistribution(t *testing.T) {
	logits := []float32{0, float32(math.Log(3))}
	rng := rand.New(rand.NewSource(11))
	counts := make([]int, 2)
	const n = 4000
	for i := 0; i < n; i++ {
		counts[Sample(logits, nil, rng)]++
	}
	assert.InDelta(t, 0.75, float64(counts[1])/n, 0.03)
}

func TestCandidatesAreSortedAndNormalised(t *testing.T) {
	cands := candidates([]float32{1, 3, 2}, 0.5)
	require.Len(t, cands, 3)
	assert.Equal(t, []int{1, 2, 0}, []int{cands[0].id, cands[1].id, cands[2].id})
	var sum float64
	for _, c := range cands {
		sum += c.p
	}
	assert.InDelta(t, 1, sum, 1e-9)

	assert.Len(t, truncate(cands, 0, 1), 3)
	assert.Len(t, truncate(cands, 5, 1), 3)
	assert.Len(t, truncate(cands, 0, 0.95), 2)
}
