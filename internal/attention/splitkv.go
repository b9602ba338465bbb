package attention

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/streamattn/streamattn/internal/tensor"
)

// SplitParams extends Params for decode-style attention against a
// key/value cache: new rows are appended (optionally rotary-embedded)
// first, then the key range of every query tile is carved into NumSplits
// independent partials that a combine pass folds into the final output.
type SplitParams struct {
	Params

	// NumSplits carves each key walk into this many partials; 1 runs
	// the kernel in direct-write mode with no combine pass, 0 picks a
	// value from the work shape and worker count.
	NumSplits int

	// Cache supplies the key/value rows. When nil, the embedded K/V
	// tensors are wrapped as a flat cache with one slot per batch.
	Cache *KVCache

	// CacheBatchIdx remaps batch index to cache slot; nil is identity.
	CacheBatchIdx []int32

	// KNew/VNew hold SeqlenNew rows per (batch, kv head) to append at
	// each sequence's current length before attending.
	KNew      *tensor.Strided
	VNew      *tensor.Strided
	SeqlenNew int

	// Rotary tables, one half-dimension row per absolute position.
	// Applied to appended keys and, during appends, to the queries.
	RotaryCos         []float32
	RotarySin         []float32
	RotaryDim         int
	RotaryInterleaved bool

	// Oaccum/LSEaccum hold the per-split partials, laid out
	// (split, batch, heads, seqlenQ, headDim) and
	// (split, batch, heads, seqlenQ). Allocated here when nil.
	Oaccum   []float32
	LSEaccum []float32

	blocksPerSplit int
}

func (p *SplitParams) validate() error {
	if p.Cache == nil {
		if p.K == nil || p.V == nil {
			return fmt.Errorf("attention: split path needs a cache or flat K/V tensors")
		}
		p.Cache = NewFlatKVCache(p.K, p.V)
	}
	if err := p.Params.validate(false); err != nil {
		return err
	}
	if p.DropoutP > 0 || p.ReturnProbs {
		return fmt.Errorf("attention: dropout and probability output are not available on the split path")
	}
	if p.NumSplits < 0 || p.NumSplits > MaxSplits {
		return fmt.Errorf("attention: NumSplits %d outside [0, %d]", p.NumSplits, MaxSplits)
	}
	if p.Cache.HeadsKV != p.HeadsKV || p.Cache.HeadDim != p.HeadDim {
		return fmt.Errorf("attention: cache shaped for %d×%d, params say %d×%d",
			p.Cache.HeadsKV, p.Cache.HeadDim, p.HeadsKV, p.HeadDim)
	}
	if err := p.Cache.validate(p.BlockN, p.SeqlenK); err != nil {
		return err
	}
	if p.CacheBatchIdx != nil && len(p.CacheBatchIdx) < p.Batch {
		return fmt.Errorf("attention: CacheBatchIdx needs %d entries", p.Batch)
	}
	if p.SeqlenNew > 0 {
		if p.KNew == nil || p.VNew == nil {
			return fmt.Errorf("attention: SeqlenNew %d with no KNew/VNew rows", p.SeqlenNew)
		}
		if p.SeqlensK == nil {
			return fmt.Errorf("attention: appends need SeqlensK to mark each sequence's current length")
		}
		for b := range p.Batch {
			if int(p.SeqlensK[b])+p.SeqlenNew > p.SeqlenK {
				return fmt.Errorf("attention: batch %d grows to %d rows, cache rows capped at %d",
					b, int(p.SeqlensK[b])+p.SeqlenNew, p.SeqlenK)
			}
		}
	}
	if p.RotaryDim > 0 {
		if p.RotaryDim%2 != 0 || p.RotaryDim > p.HeadDim {
			return fmt.Errorf("attention: rotary dim %d must be even and at most headDim %d", p.RotaryDim, p.HeadDim)
		}
		half := p.RotaryDim / 2
		need := p.SeqlenK
		if p.causal || p.local {
			need += p.SeqlenQ
		}
		if len(p.RotaryCos) < need*half || len(p.RotarySin) < need*half {
			return fmt.Errorf("attention: rotary tables cover %d positions, need %d", len(p.RotaryCos)/half, need)
		}
	}

	nBlocks := ceilDiv(p.SeqlenK, p.BlockN)
	if p.NumSplits == 0 {
		p.NumSplits = pickSplits(p.Batch*p.Heads*p.mBlocks, nBlocks, runtime.GOMAXPROCS(0))
	}
	p.blocksPerSplit = ceilDiv(nBlocks, p.NumSplits)

	// Raggedness is the norm here; never skip edge masking.
	p.evenMN = false
	return nil
}

// pickSplits widens the grid just enough to occupy the workers when the
// natural (tile, batch, head) grid is too small.
func pickSplits(gridUnits, nBlocks, workers int) int {
	if gridUnits >= workers || nBlocks <= 1 {
		return 1
	}
	return min(MaxSplits, nBlocks, ceilDiv(workers, gridUnits))
}

func (p *SplitParams) slot(bidb int) int {
	if p.CacheBatchIdx != nil {
		return int(p.CacheBatchIdx[bidb])
	}
	return bidb
}

// ForwardSplitKV runs the decode path in phases: append new rows to the
// cache, attend each split's key range into partials, then combine. Each
// phase fully drains before the next starts, so appended rows are always
// visible to every split and every partial exists before it is folded.
func ForwardSplitKV(ctx context.Context, p *SplitParams) error {
	if err := p.validate(); err != nil {
		return err
	}
	if p.SeqlenNew > 0 {
		if err := p.appendKV(ctx); err != nil {
			return err
		}
	}

	if p.NumSplits == 1 {
		n := p.mBlocks * p.Batch * p.Heads
		return blockWork.runGrid(ctx, n, func(i int, s *scratch) {
			mBlock := i % p.mBlocks
			rest := i / p.mBlocks
			splitRowBlock(p, s, rest%p.Batch, rest/p.Batch, mBlock, 0)
		})
	}

	total := p.Batch * p.Heads * p.SeqlenQ
	if p.Oaccum == nil {
		p.Oaccum = make([]float32, p.NumSplits*total*p.HeadDim)
	}
	if p.LSEaccum == nil {
		p.LSEaccum = make([]float32, p.NumSplits*total)
	}
	// Rows no split kernel reaches (query padding) must read as empty
	// partials, not as mass at LSE 0.
	for i := range p.LSEaccum {
		p.LSEaccum[i] = negInf
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	units := p.mBlocks * p.NumSplits * p.Batch * p.Heads
	for i := range units {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			mBlock := i % p.mBlocks
			rest := i / p.mBlocks
			split := rest % p.NumSplits
			rest /= p.NumSplits
			s := scratchPool.Get().(*scratch)
			defer scratchPool.Put(s)
			splitRowBlock(p, s, rest%p.Batch, rest/p.Batch, mBlock, split)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// Phase boundary: every partial is flushed before any combine read.
	return combineSplits(ctx, p)
}

// appendKV copies the arriving key/value rows into the cache, rotating
// key features when rotary tables are present. It drains fully before
// any attention work unit reads the cache.
func (p *SplitParams) appendKV(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for bidb := range p.Batch {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			bi := p.blockInfo(bidb, p.SeqlenNew)
			slot := p.slot(bidb)
			var rot []float32
			if p.RotaryDim > 0 {
				rot = make([]float32, p.HeadDim)
			}
			for h := range p.HeadsKV {
				for i := range p.SeqlenNew {
					pos := bi.seqlenKCache + i
					kSrc := p.KNew.Row(bidb, h, i)
					if rot != nil {
						applyRotaryRow(rot, kSrc, p.RotaryCos, p.RotarySin, pos, p.RotaryDim, p.RotaryInterleaved)
						kSrc = rot
					}
					k32, k16 := p.Cache.row(slot, h, pos, true)
					storeRow(k32, k16, kSrc)
					v32, v16 := p.Cache.row(slot, h, pos, false)
					storeRow(v32, v16, p.VNew.Row(bidb, h, i))
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func splitRowBlock(p *SplitParams, s *scratch, bidb, bidh, mBlock, split int) {
	bi := p.blockInfo(bidb, p.SeqlenNew)
	rowBase := mBlock * p.BlockM
	if rowBase >= bi.actualSeqlenQ {
		return
	}

	blockM, blockN, d := p.BlockM, p.BlockN, p.HeadDim
	s.ensure(blockM, blockN, d)

	nMin, nMax := p.keyTileRange(mBlock, bi)
	nMin = max(nMin, split*p.blocksPerSplit)
	nMax = min(nMax, (split+1)*p.blocksPerSplit)
	direct := p.NumSplits == 1
	if nMax <= nMin {
		if direct {
			p.writeEmpty(bidb, bidh, rowBase, bi.actualSeqlenQ, posInf)
		} else {
			p.writeEmptySplit(bidb, bidh, rowBase, bi.actualSeqlenQ, split)
		}
		return
	}

	kvHead := bidh / p.hRatio
	slot := p.slot(bidb)
	validQ := bi.actualSeqlenQ - rowBase
	qOff := p.Q.Offset(bidb, bidh, rowBase, 0)
	copyTileF32(s.q, blockM, d, p.Q.Data[qOff:], p.Q.Stride[2], validQ, true)
	if p.SeqlenNew > 0 && p.RotaryDim > 0 {
		// Queries take the positions their keys were cached at.
		for i := range min(blockM, validQ) {
			pos := bi.seqlenKCache
			if p.causal || p.local {
				pos += rowBase + i
			}
			row := s.q[i*d : (i+1)*d]
			applyRotaryRow(row, row, p.RotaryCos, p.RotarySin, pos, p.RotaryDim, p.RotaryInterleaved)
		}
	}

	mask := p.mask(bidb, bidh, bi)

	n := nMax - 1
	kBuf := 0
	n0 := n
	kFence := loadAsync(func() {
		copyTile(s.k[0], blockN, d, p.Cache.kTile(slot, kvHead, n0, blockN), bi.actualSeqlenK-n0*blockN, false)
	})

	st := &s.rows
	st.reset(blockM)
	clear(s.accO)

	maskSteps := p.maskingSteps()
	for step := 0; ; step++ {
		masking := step < maskSteps

		kFence.wait()
		cur := kBuf

		nTile, first := n, step == 0
		vFence := loadAsync(func() {
			copyTile(s.v, blockN, d, p.Cache.vTile(slot, kvHead, nTile, blockN), bi.actualSeqlenK-nTile*blockN, first)
		})

		tensor.MulABt(s.s, blockN, s.q, d, s.k[cur], d, blockM, blockN, d)
		mask.apply(s.s, blockN, blockM, blockN, rowBase, n*blockN, masking)

		vFence.wait()
		if n > nMin {
			kBuf = 1 - cur
			next := n - 1
			dst := s.k[kBuf]
			kFence = loadAsync(func() {
				copyTile(dst, blockN, d, p.Cache.kTile(slot, kvHead, next, blockN), bi.actualSeqlenK-next*blockN, false)
			})
		}

		checkInf := p.local
		if masking {
			checkInf = true
		}
		st.fold(s.s, blockN, blockM, blockN, s.accO, d, p.scaleLog2, step == 0, checkInf)

		if p.DType == F16 {
			tensor.RoundF16(s.s)
		}
		tensor.MulAcc(s.accO, d, s.s, blockN, s.v, d, blockM, blockN, d)

		n--
		if n < nMin {
			break
		}
	}

	st.finalize(s.accO, d, blockM, p.Scale, 1, !direct, s.lse)
	if direct {
		if p.DType == F16 {
			tensor.RoundF16(s.accO)
		}
		p.writeRowBlock(bidb, bidh, rowBase, bi.actualSeqlenQ, s.accO, s.lse)
		return
	}

	// Partials stay float32 regardless of DType; precision is only
	// narrowed once, on the final combined output.
	total := p.Batch * p.Heads * p.SeqlenQ
	row0 := (bidb*p.Heads+bidh)*p.SeqlenQ + rowBase
	rows := min(blockM, validQ)
	oBase := (split*total + row0) * d
	for i := range rows {
		copy(p.Oaccum[oBase+i*d:oBase+(i+1)*d], s.accO[i*d:(i+1)*d])
		p.LSEaccum[split*total+row0+i] = s.lse[i]
	}
}

// writeEmptySplit records an empty partial: -Inf LSE so the combine pass
// assigns it zero weight. The output rows need no store; a zero-weight
// partial is never read.
func (p *SplitParams) writeEmptySplit(bidb, bidh, rowBase, actualSeqlenQ, split int) {
	total := p.Batch * p.Heads * p.SeqlenQ
	row0 := (bidb*p.Heads+bidh)*p.SeqlenQ + rowBase
	rows := min(p.BlockM, actualSeqlenQ-rowBase)
	for i := range rows {
		p.LSEaccum[split*total+row0+i] = negInf
	}
}
