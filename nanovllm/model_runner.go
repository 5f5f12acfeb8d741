package nanovllm

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ModelRunner executes the model for a scheduled batch. A sequence is first
// seen in a prefill step with its whole token list; later decode steps only
// add the token sampled last.
type ModelRunner interface {
	// Run returns the next token ID for each sequence
	Run(seqs []*Sequence, isPrefill bool) ([]int, error)

	// Free drops any per-sequence state, such as its KV cache
	Free(seq *Sequence)

	// Close cleans up resources
	Close() error
}

// Tokenizer is an interface for tokenizing text
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID
	EOSTokenID() int
}

// IDTokenizer reads and writes prompts as whitespace-separated token ids,
// for checkpoints used without their vocabulary.
type IDTokenizer struct {
	eosTokenID int
	vocabSize  int
}

// NewIDTokenizer creates a tokenizer accepting ids in [0, vocabSize)
func NewIDTokenizer(eosTokenID, vocabSize int) *IDTokenizer {
	return &IDTokenizer{
		eosTokenID: eosTokenID,
		vocabSize:  vocabSize,
	}
}

// Encode parses token ids
func (t *IDTokenizer) Encode(text string) ([]int, error) {
	fields := strings.Fields(text)
	ids := make([]int, len(fields))
	for i, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.Wrapf(err, "token %d", i)
		}
		if id < 0 || (t.vocabSize > 0 && id >= t.vocabSize) {
			return nil, errors.Errorf("token id %d out of range for vocabulary of %d", id, t.vocabSize)
		}
		ids[i] = id
	}
	return ids, nil
}

// Decode formats token ids, leaving out EOS
func (t *IDTokenizer) Decode(tokenIDs []int) (string, error) {
	parts := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id != t.eosTokenID {
			parts = append(parts, strconv.Itoa(id))
		}
	}
	return strings.Join(parts, " "), nil
}

// EOSTokenID returns the EOS token ID
func (t *IDTokenizer) EOSTokenID() int {
	return t.eosTokenID
}
