// Package attention implements streaming tiled scaled-dot-product
// attention: softmax(Q·Kᵀ·scale)·V computed one query tile at a time
// against key/value tiles staged through scratch memory, with an online
// softmax so the full attention matrix is never materialized. It covers
// causal and sliding-window masking, ALiBi bias, dropout, rotary
// embedding of freshly appended cache rows, paged key/value storage and
// a two-phase split-KV path with a separate combine pass.
package attention

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"

	"github.com/streamattn/streamattn/internal/tensor"
)

const (
	// MaxSplits bounds the split-KV fan-out the combine pass can fold.
	MaxSplits = 128

	// DefaultBlockM and DefaultBlockN are the query/key tile heights
	// used when the caller leaves them unset.
	DefaultBlockM = 64
	DefaultBlockN = 64
)

// DType selects the element precision the kernels model. Accumulation is
// always float32; F16 rounds probabilities and outputs through half
// precision the way a half-precision multiply unit would, and selects
// half-precision key/value pools in the paged cache.
type DType int

const (
	F32 DType = iota
	F16
)

// Params describes one attention invocation over padded
// (batch, heads, seq, headDim) tensors.
type Params struct {
	Q *tensor.Strided // (batch, heads, seqlenQ, headDim)
	K *tensor.Strided // (batch, headsKV, seqlenK, headDim)
	V *tensor.Strided // shape of K
	O *tensor.Strided // shape of Q

	// LSE receives one log-sum-exp per query row, laid out
	// (batch, heads, seqlenQ) contiguously.
	LSE []float32

	Batch   int
	Heads   int
	HeadsKV int // heads must be a multiple; grouped-query attention
	SeqlenQ int
	SeqlenK int
	HeadDim int

	// SeqlensQ/SeqlensK give true per-batch lengths when sequences are
	// right-padded inside the tensors above; nil means every batch uses
	// the full padded length.
	SeqlensQ []int32
	SeqlensK []int32

	// Scale multiplies the raw dot products; 1/sqrt(headDim) when zero.
	Scale float32

	Causal bool
	// WindowLeft/WindowRight bound local attention; -1 means unbounded
	// on that side. Causal is the degenerate WindowRight = 0.
	WindowLeft  int
	WindowRight int

	// AlibiSlopes holds one slope per head (len heads) or per batch and
	// head (len batch·heads).
	AlibiSlopes []float32

	DropoutP     float32
	PhiloxSeed   uint64
	PhiloxOffset uint64

	// ReturnProbs writes the post-softmax, post-dropout probabilities
	// into Probs, shaped (batch, heads, seqlenQR, seqlenKR) with the
	// sequence lengths rounded up to full tiles. Dropped entries carry a
	// flipped sign. Debug and test callers only.
	ReturnProbs bool
	Probs       []float32

	DType DType

	BlockM int
	BlockN int

	// Derived at validation.
	mBlocks    int
	hRatio     int
	scaleLog2  float32
	rpDropout  float32
	evenMN     bool
	causal     bool
	local      bool
	alibi      bool
	wLeft      int
	wRight     int
	seqlenQR   int
	seqlenKR   int
	dropActive bool
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func roundUp(a, b int) int { return ceilDiv(a, b) * b }

func (p *Params) setDefaults() {
	if p.BlockM == 0 {
		p.BlockM = DefaultBlockM
	}
	if p.BlockN == 0 {
		p.BlockN = DefaultBlockN
	}
	if p.Scale == 0 && p.HeadDim > 0 {
		p.Scale = 1 / math32.Sqrt(float32(p.HeadDim))
	}
	if p.WindowLeft == 0 && p.WindowRight == 0 {
		// Zero-value window means "no window", not a zero-width one.
		p.WindowLeft, p.WindowRight = -1, -1
	}
}

// validate checks every configuration bound once, before any work unit
// runs, and derives the per-invocation constants.
func (p *Params) validate(needKV bool) error {
	p.setDefaults()

	if p.Batch <= 0 || p.Heads <= 0 || p.HeadsKV <= 0 || p.SeqlenQ <= 0 || p.SeqlenK < 0 || p.HeadDim <= 0 {
		return fmt.Errorf("attention: non-positive dimension (batch=%d heads=%d headsKV=%d seqQ=%d seqK=%d headDim=%d)",
			p.Batch, p.Heads, p.HeadsKV, p.SeqlenQ, p.SeqlenK, p.HeadDim)
	}
	if p.Heads%p.HeadsKV != 0 {
		return fmt.Errorf("attention: heads (%d) must be a multiple of headsKV (%d)", p.Heads, p.HeadsKV)
	}
	if p.BlockM <= 0 || p.BlockN <= 0 || p.BlockN%4 != 0 {
		return fmt.Errorf("attention: invalid tile sizes blockM=%d blockN=%d (blockN must be a positive multiple of 4)", p.BlockM, p.BlockN)
	}
	if p.Q == nil || p.O == nil {
		return fmt.Errorf("attention: Q and O are required")
	}
	if needKV && (p.K == nil || p.V == nil) {
		return fmt.Errorf("attention: K and V are required")
	}
	for name, t := range map[string]*tensor.Strided{"Q": p.Q, "K": p.K, "V": p.V, "O": p.O} {
		if t == nil {
			continue
		}
		if !t.InnerContiguous() {
			return fmt.Errorf("attention: %s must be contiguous along headDim", name)
		}
		if t.Shape[3] != p.HeadDim {
			return fmt.Errorf("attention: %s headDim is %d, want %d", name, t.Shape[3], p.HeadDim)
		}
	}
	if len(p.LSE) < p.Batch*p.Heads*p.SeqlenQ {
		return fmt.Errorf("attention: LSE needs %d entries, have %d", p.Batch*p.Heads*p.SeqlenQ, len(p.LSE))
	}
	if p.SeqlensQ != nil && len(p.SeqlensQ) < p.Batch {
		return fmt.Errorf("attention: SeqlensQ needs %d entries", p.Batch)
	}
	if p.SeqlensK != nil && len(p.SeqlensK) < p.Batch {
		return fmt.Errorf("attention: SeqlensK needs %d entries", p.Batch)
	}
	if p.DropoutP < 0 || p.DropoutP >= 1 {
		return fmt.Errorf("attention: dropout probability %v outside [0, 1)", p.DropoutP)
	}
	if n := len(p.AlibiSlopes); n != 0 && n != p.Heads && n != p.Batch*p.Heads {
		return fmt.Errorf("attention: AlibiSlopes length %d, want %d or %d", n, p.Heads, p.Batch*p.Heads)
	}
	if p.WindowLeft < -1 || p.WindowRight < -1 {
		return fmt.Errorf("attention: window bounds must be >= -1")
	}

	p.mBlocks = ceilDiv(p.SeqlenQ, p.BlockM)
	p.hRatio = p.Heads / p.HeadsKV
	p.scaleLog2 = p.Scale * math32.Log2E
	p.rpDropout = 1 / (1 - p.DropoutP)
	p.dropActive = p.DropoutP > 0
	p.alibi = len(p.AlibiSlopes) > 0
	p.seqlenQR = roundUp(p.SeqlenQ, p.BlockM)
	p.seqlenKR = roundUp(max(p.SeqlenK, 1), p.BlockN)

	// Causal is the window [unbounded, 0]; an explicit window with
	// right = 0 is handled as local attention with the same bound.
	p.wLeft, p.wRight = p.WindowLeft, p.WindowRight
	switch {
	case p.Causal && p.WindowLeft < 0:
		p.causal, p.local = true, false
		p.wRight = 0
	case p.Causal:
		p.causal, p.local = false, true
		p.wRight = 0
	default:
		p.local = p.WindowLeft >= 0 || p.WindowRight >= 0
		p.causal = false
		if p.local && p.wRight < 0 {
			p.wRight = p.SeqlenK
		}
	}

	// Lengths are tile-aligned only when no batch is ragged and the
	// padded extents divide evenly.
	p.evenMN = p.SeqlensQ == nil && p.SeqlensK == nil &&
		p.SeqlenQ%p.BlockM == 0 && p.SeqlenK%p.BlockN == 0

	if p.ReturnProbs {
		want := p.Batch * p.Heads * p.seqlenQR * p.seqlenKR
		if len(p.Probs) < want {
			return fmt.Errorf("attention: Probs needs %d entries, have %d", want, len(p.Probs))
		}
	}
	return nil
}

// slope returns the ALiBi slope for (bidb, bidh) divided by the softmax
// scale, since the bias is folded into unscaled scores.
func (p *Params) slope(bidb, bidh int) float32 {
	if !p.alibi {
		return 0
	}
	if len(p.AlibiSlopes) == p.Heads {
		return p.AlibiSlopes[bidh] / p.Scale
	}
	return p.AlibiSlopes[bidb*p.Heads+bidh] / p.Scale
}

var (
	negInf = float32(math.Inf(-1))
	posInf = float32(math.Inf(1))
)
