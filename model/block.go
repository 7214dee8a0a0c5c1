// Package model contains the transformer decoder building blocks used in
// the model definition: layer norm -> causal attention -> residual ->
// layer norm -> MLP -> residual. Activations are gonum dense matrices with
// one row per sequence position.
package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// BlockConfig sizes one decoder block.
type BlockConfig struct {
	DModel     int
	NumHeads   int
	MLPRatio   int
	ResidPDrop float64
}

// Validate rejects impossible block shapes before any weights are
// allocated.
func (cfg BlockConfig) Validate() error {
	if cfg.DModel <= 0 || cfg.NumHeads <= 0 || cfg.MLPRatio <= 0 {
		return errors.Errorf(
			"block dimensions must be positive: d_model=%d heads=%d mlp_ratio=%d",
			cfg.DModel, cfg.NumHeads, cfg.MLPRatio)
	}
	if cfg.DModel%cfg.NumHeads != 0 {
		return errors.Errorf("d_model %d is not divisible by %d heads",
			cfg.DModel, cfg.NumHeads)
	}
	return nil
}

// LayerNorm normalizes each row to zero mean and unit variance, then
// applies the learned gain and bias.
type LayerNorm struct {
	Gamma []float64
	Beta  []float64
	Eps   float64
}

func NewLayerNorm(dim int) *LayerNorm {
	ln := &LayerNorm{
		Gamma: make([]float64, dim),
		Beta:  make([]float64, dim),
		Eps:   1e-5,
	}
	for idx := range ln.Gamma {
		ln.Gamma[idx] = 1.0
	}
	return ln
}

func (ln *LayerNorm) Forward(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	for rowIdx := 0; rowIdx < rows; rowIdx++ {
		row := x.RawRowView(rowIdx)
		mean := 0.0
		for colIdx := range row {
			mean += row[colIdx]
		}
		mean /= float64(cols)
		variance := 0.0
		for colIdx := range row {
			diff := row[colIdx] - mean
			variance += diff * diff
		}
		variance /= float64(cols)
		invStd := 1.0 / math.Sqrt(variance+ln.Eps)
		for colIdx := range row {
			out.Set(rowIdx, colIdx,
				(row[colIdx]-mean)*invStd*ln.Gamma[colIdx]+ln.Beta[colIdx])
		}
	}
	return out
}

// CausalSelfAttention is multi-head scaled dot-product attention with a
// causal mask: position i attends only to positions <= i. A single fused
// projection produces Q, K, and V.
type CausalSelfAttention struct {
	DModel   int
	NumHeads int
	WQKV     *mat.Dense // (d_model, 3*d_model)
	BQKV     []float64
	WOut     *mat.Dense // (d_model, d_model)
	BOut     []float64
}

func NewCausalSelfAttention(cfg BlockConfig, rng *rand.Rand) *CausalSelfAttention {
	return &CausalSelfAttention{
		DModel:   cfg.DModel,
		NumHeads: cfg.NumHeads,
		WQKV:     randDense(cfg.DModel, 3*cfg.DModel, rng),
		BQKV:     make([]float64, 3*cfg.DModel),
		WOut:     randDense(cfg.DModel, cfg.DModel, rng),
		BOut:     make([]float64, cfg.DModel),
	}
}

func (attn *CausalSelfAttention) Forward(x *mat.Dense) *mat.Dense {
	seqLen, _ := x.Dims()
	headDim := attn.DModel / attn.NumHeads
	scale := 1.0 / math.Sqrt(float64(headDim))

	var qkv mat.Dense
	qkv.Mul(x, attn.WQKV)
	addBias(&qkv, attn.BQKV)

	merged := mat.NewDense(seqLen, attn.DModel, nil)
	scores := make([]float64, seqLen)
	for head := 0; head < attn.NumHeads; head++ {
		qOff := head * headDim
		kOff := attn.DModel + head*headDim
		vOff := 2*attn.DModel + head*headDim
		for i := 0; i < seqLen; i++ {
			qRow := qkv.RawRowView(i)
			// Scores over the causal window [0, i].
			for j := 0; j <= i; j++ {
				kRow := qkv.RawRowView(j)
				dot := 0.0
				for d := 0; d < headDim; d++ {
					dot += qRow[qOff+d] * kRow[kOff+d]
				}
				scores[j] = dot * scale
			}
			softmaxInPlace(scores[:i+1])
			for j := 0; j <= i; j++ {
				vRow := qkv.RawRowView(j)
				weight := scores[j]
				for d := 0; d < headDim; d++ {
					merged.Set(i, qOff+d,
						merged.At(i, qOff+d)+weight*vRow[vOff+d])
				}
			}
		}
	}

	var out mat.Dense
	out.Mul(merged, attn.WOut)
	addBias(&out, attn.BOut)
	return &out
}

// MLP is the feed-forward half of the block: up-projection, exact GELU,
// down-projection.
type MLP struct {
	Up    *mat.Dense // (d_model, mlp_ratio*d_model)
	BUp   []float64
	Down  *mat.Dense // (mlp_ratio*d_model, d_model)
	BDown []float64
}

func NewMLP(cfg BlockConfig, rng *rand.Rand) *MLP {
	hidden := cfg.MLPRatio * cfg.DModel
	return &MLP{
		Up:    randDense(cfg.DModel, hidden, rng),
		BUp:   make([]float64, hidden),
		Down:  randDense(hidden, cfg.DModel, rng),
		BDown: make([]float64, cfg.DModel),
	}
}

func (mlp *MLP) Forward(x *mat.Dense) *mat.Dense {
	var hidden mat.Dense
	hidden.Mul(x, mlp.Up)
	addBias(&hidden, mlp.BUp)
	hidden.Apply(func(_, _ int, v float64) float64 {
		return gelu(v)
	}, &hidden)
	var out mat.Dense
	out.Mul(&hidden, mlp.Down)
	addBias(&out, mlp.BDown)
	return &out
}

// DecoderBlock chains the sublayers with pre-norm residual connections:
// x = x + attn(ln_1(x)); x = x + mlp(ln_2(x)).
type DecoderBlock struct {
	LN1  *LayerNorm
	Attn *CausalSelfAttention
	LN2  *LayerNorm
	MLP  *MLP
}

func NewDecoderBlock(cfg BlockConfig, rng *rand.Rand) (*DecoderBlock, error) {
	if validErr := cfg.Validate(); validErr != nil {
		return nil, validErr
	}
	return &DecoderBlock{
		LN1:  NewLayerNorm(cfg.DModel),
		Attn: NewCausalSelfAttention(cfg, rng),
		LN2:  NewLayerNorm(cfg.DModel),
		MLP:  NewMLP(cfg, rng),
	}, nil
}

func (block *DecoderBlock) Forward(x *mat.Dense) *mat.Dense {
	attnOut := block.Attn.Forward(block.LN1.Forward(x))
	var residual mat.Dense
	residual.Add(x, attnOut)
	mlpOut := block.MLP.Forward(block.LN2.Forward(&residual))
	var out mat.Dense
	out.Add(&residual, mlpOut)
	return &out
}

func gelu(v float64) float64 {
	return 0.5 * v * (1.0 + math.Erf(v/math.Sqrt2))
}

func softmaxInPlace(values []float64) {
	max := values[0]
	for idx := 1; idx < len(values); idx++ {
		if values[idx] > max {
			max = values[idx]
		}
	}
	sum := 0.0
	for idx := range values {
		values[idx] = math.Exp(values[idx] - max)
		sum += values[idx]
	}
	for idx := range values {
		values[idx] /= sum
	}
}

func addBias(x *mat.Dense, bias []float64) {
	rows, cols := x.Dims()
	for rowIdx := 0; rowIdx < rows; rowIdx++ {
		row := x.RawRowView(rowIdx)
		for colIdx := 0; colIdx < cols; colIdx++ {
			row[colIdx] += bias[colIdx]
		}
	}
}

func randDense(rows, cols int, rng *rand.Rand) *mat.Dense {
	data := make([]float64, rows*cols)
	scale := 0.02
	for idx := range data {
		data[idx] = rng.NormFloat64() * scale
	}
	return mat.NewDense(rows, cols, data)
}
