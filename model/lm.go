package model

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// LMConfig sizes a small decoder-only language model built from
// DecoderBlocks.
type LMConfig struct {
	Block     BlockConfig
	VocabSize int
	NumLayers int
	MaxSeqLen int
}

// SampleParams are the per-request sampling knobs.
type SampleParams struct {
	Temperature  float64
	TopK         int
	TopP         float64
	MaxNewTokens int
}

// LM is a decoder-only language model: token + position embeddings, a
// stack of decoder blocks, a final layer norm, and an unembedding tied to
// the token embedding.
type LM struct {
	cfg      LMConfig
	tokenEmb *mat.Dense // (vocab, d_model)
	posEmb   *mat.Dense // (max_seq, d_model)
	blocks   []*DecoderBlock
	lnFinal  *LayerNorm
}

// NewLM builds a randomly initialized model. Callers that load converted
// checkpoints overwrite the weights in place.
func NewLM(cfg LMConfig, seed int64) (*LM, error) {
	if validErr := cfg.Block.Validate(); validErr != nil {
		return nil, validErr
	}
	if cfg.VocabSize <= 0 || cfg.NumLayers <= 0 || cfg.MaxSeqLen <= 0 {
		return nil, errors.Errorf(
			"model dimensions must be positive: vocab=%d layers=%d max_seq=%d",
			cfg.VocabSize, cfg.NumLayers, cfg.MaxSeqLen)
	}
	rng := rand.New(rand.NewSource(seed))
	lm := &LM{
		cfg:      cfg,
		tokenEmb: randDense(cfg.VocabSize, cfg.Block.DModel, rng),
		posEmb:   randDense(cfg.MaxSeqLen, cfg.Block.DModel, rng),
		blocks:   make([]*DecoderBlock, cfg.NumLayers),
		lnFinal:  NewLayerNorm(cfg.Block.DModel),
	}
	for layerIdx := 0; layerIdx < cfg.NumLayers; layerIdx++ {
		block, blockErr := NewDecoderBlock(cfg.Block, rng)
		if blockErr != nil {
			return nil, blockErr
		}
		lm.blocks[layerIdx] = block
	}
	return lm, nil
}

// Config returns the model's configuration.
func (lm *LM) Config() LMConfig {
	return lm.cfg
}

// Forward runs the full stack over a token sequence and returns the
// next-token logits for the final position.
func (lm *LM) Forward(tokens []int) ([]float64, error) {
	if len(tokens) == 0 {
		return nil, errors.New("empty token sequence")
	}
	if len(tokens) > lm.cfg.MaxSeqLen {
		tokens = tokens[len(tokens)-lm.cfg.MaxSeqLen:]
	}
	seqLen := len(tokens)
	x := mat.NewDense(seqLen, lm.cfg.Block.DModel, nil)
	for pos, token := range tokens {
		if token < 0 || token >= lm.cfg.VocabSize {
			return nil, errors.Errorf("token id %d outside vocab of %d",
				token, lm.cfg.VocabSize)
		}
		tokRow := lm.tokenEmb.RawRowView(token)
		posRow := lm.posEmb.RawRowView(pos)
		for d := 0; d < lm.cfg.Block.DModel; d++ {
			x.Set(pos, d, tokRow[d]+posRow[d])
		}
	}
	for _, block := range lm.blocks {
		x = block.Forward(x)
	}
	x = lm.lnFinal.Forward(x)

	// Unembed only the final position; generation never needs the rest.
	final := x.RawRowView(seqLen - 1)
	logits := make([]float64, lm.cfg.VocabSize)
	for v := 0; v < lm.cfg.VocabSize; v++ {
		row := lm.tokenEmb.RawRowView(v)
		dot := 0.0
		for d := 0; d < lm.cfg.Block.DModel; d++ {
			dot += final[d] * row[d]
		}
		logits[v] = dot
	}
	return logits, nil
}

// Generate extends the prompt by up to MaxNewTokens sampled tokens.
func (lm *LM) Generate(prompt []int, params SampleParams,
	rng *rand.Rand) ([]int, error) {
	if params.MaxNewTokens <= 0 {
		return nil, errors.Errorf("max new tokens must be positive, got %d",
			params.MaxNewTokens)
	}
	tokens := append([]int{}, prompt...)
	for step := 0; step < params.MaxNewTokens; step++ {
		logits, fwdErr := lm.Forward(tokens)
		if fwdErr != nil {
			return nil, fwdErr
		}
		tokens = append(tokens, SampleToken(logits, params, rng))
	}
	return tokens, nil
}

// SampleToken picks the next token from logits: temperature scaling, then
// optional top-k and nucleus (top-p) filtering, then a draw from the
// remaining distribution. Temperature 0 is greedy argmax.
func SampleToken(logits []float64, params SampleParams,
	rng *rand.Rand) int {
	if params.Temperature <= 0 {
		best := 0
		for idx := range logits {
			if logits[idx] > logits[best] {
				best = idx
			}
		}
		return best
	}
	probs := make([]float64, len(logits))
	for idx := range logits {
		probs[idx] = logits[idx] / params.Temperature
	}
	softmaxInPlace(probs)
	if params.TopK > 0 && params.TopK < len(probs) {
		probs = keepTopK(probs, params.TopK)
	}
	if params.TopP > 0 && params.TopP < 1 {
		probs = keepTopP(probs, params.TopP)
	}
	renormalize(probs)
	draw := rng.Float64()
	cumulative := 0.0
	for idx := range probs {
		cumulative += probs[idx]
		if draw < cumulative {
			return idx
		}
	}
	return len(probs) - 1
}

type indexedProb struct {
	index int
	prob  float64
}

func sortedProbs(probs []float64) []indexedProb {
	indexed := make([]indexedProb, len(probs))
	for idx := range probs {
		indexed[idx] = indexedProb{idx, probs[idx]}
	}
	sort.Slice(indexed, func(i, j int) bool {
		return indexed[i].prob > indexed[j].prob
	})
	return indexed
}

func keepTopK(probs []float64, k int) []float64 {
	indexed := sortedProbs(probs)
	kept := make([]float64, len(probs))
	for rank := 0; rank < k; rank++ {
		kept[indexed[rank].index] = indexed[rank].prob
	}
	return kept
}

func keepTopP(probs []float64, p float64) []float64 {
	indexed := sortedProbs(probs)
	kept := make([]float64, len(probs))
	cumulative := 0.0
	for rank := range indexed {
		kept[indexed[rank].index] = indexed[rank].prob
		cumulative += indexed[rank].prob
		if cumulative >= p {
			break
		}
	}
	return kept
}

func renormalize(probs []float64) {
	sum := 0.0
	for idx := range probs {
		sum += probs[idx]
	}
	if sum <= 0 {
		return
	}
	for idx := range probs {
		probs[idx] /= sum
	}
}
