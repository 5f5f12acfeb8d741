package tensor

import "math/rand"

// InitRandom fills every weight of lm with normal(0, initializer_range)
// values, biases with zeros and layer norms with ones, from a fixed seed.
func InitRandom(lm *GPTJForCausalLM, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	config := lm.Config()
	std := config.InitializerRange
	if std == 0 {
		std = 0.02
	}
	normal := func(shape ...int) *Tensor {
		t := NewTensor(shape...)
		for i := range t.Data {
			t.Data[i] = float32(rng.NormFloat64() * std)
		}
		return t
	}
	ones := func(n int) *Tensor {
		t := NewTensor(n)
		for i := range t.Data {
			t.Data[i] = 1
		}
		return t
	}

	hidden, inner, vocab := config.Hidden, config.InnerDim(), config.VocabSize
	model := lm.Transformer
	model.WTE = normal(vocab, hidden)
	for _, block := range model.Blocks {
		block.LN1.Weight, block.LN1.Bias = ones(hidden), NewTensor(hidden)
		block.Attention.QWeight = normal(hidden, hidden)
		block.Attention.KWeight = normal(hidden, hidden)
		block.Attention.VWeight = normal(hidden, hidden)
		block.Attention.OutWeight = normal(hidden, hidden)
		block.MLP.W1, block.MLP.B1 = normal(hidden, inner), NewTensor(inner)
		block.MLP.W2, block.MLP.B2 = normal(inner, hidden), NewTensor(hidden)
		block.Device = CPU
	}
	model.LNFinal.Weight, model.LNFinal.Bias = ones(hidden), NewTensor(hidden)

	if config.TieWordEmbeddings {
		lm.LMHead = Transpose(model.WTE)
	} else {
		lm.LMHead = normal(hidden, vocab)
	}
	lm.LMHeadBias = NewTensor(vocab)
}
