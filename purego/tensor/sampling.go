package tensor

import (
	"math"
	"math/rand"
	"sort"
)

// SamplingParams controls how Sample picks the next token
type SamplingParams struct {
	Temperature float32 // 0 selects the argmax
	TopK        int     // 0 keeps every token
	TopP        float32 // 1 keeps every token
}

// DefaultSamplingParams samples from the untempered distribution
func DefaultSamplingParams() *SamplingParams {
	return &SamplingParams{Temperature: 1, TopP: 1}
}

type candidate struct {
	id int
	p  float64
}

// Sample draws a token id from logits. logits is not modified.
func Sample(logits []float32, params *SamplingParams, rng *rand.Rand) int {
	if params == nil {
		params = DefaultSamplingParams()
	}
	if params.Temperature == 0 {
		return Argmax(logits)
	}
	cands := truncate(candidates(logits, params.Temperature), params.TopK, params.TopP)
	return draw(cands, rng)
}

// Argmax returns the index of the largest logit, the first one on ties.
func Argmax(logits []float32) int {
	best := 0
	for i, l := range logits {
		if l > logits[best] {
			best = i
		}
	}
	return best
}

// candidates returns the tempered softmax of logits, most likely first.
func candidates(logits []float32, temperature float32) []candidate {
	maxLogit := logits[Argmax(logits)]
	cands := make([]candidate, len(logits))
	var sum float64
	for i, l := range logits {
		p := math.Exp(float64((l - maxLogit) / temperature))
		cands[i] = candidate{id: i, p: p}
		sum += p
	}
	for i := range cands {
		cands[i].p /= sum
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].p > cands[j].p })
	return cands
}

// truncate keeps the topK most likely candidates, then the shortest prefix
// whose probability mass reaches topP.
func truncate(cands []candidate, topK int, topP float32) []candidate {
	if topK > 0 && topK < len(cands) {
		cands = cands[:topK]
	}
	if topP < 1 {
		var mass float64
		for i, c := range cands {
			mass += c.p
			if mass >= float64(topP) {
				return cands[:i+1]
			}
		}
	}
	return cands
}

// draw picks a candidate with probability proportional to its mass.
func draw(cands []candidate, rng *rand.Rand) int {
	var total float64
	for _, c := range cands {
		total += c.p
	}
	r := rng.Float64() * total
	for _, c := range cands {
		r -= c.p
		if r < 0 {
			return c.id
		}
	}
	return cands[len(cands)-1].id
}
