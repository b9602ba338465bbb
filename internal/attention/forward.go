package attention

import (
	"context"

	"github.com/streamattn/streamattn/internal/tensor"
)

// Forward computes O = softmax(Q·Kᵀ·scale)·V with one work unit per
// (query tile, batch, head), streaming key/value tiles through worker
// scratch with an online softmax. O and LSE are fully written on return;
// query rows whose key range is empty get zero output and LSE +Inf.
func Forward(ctx context.Context, p *Params) error {
	if err := p.validate(true); err != nil {
		return err
	}
	n := p.mBlocks * p.Batch * p.Heads
	return blockWork.runGrid(ctx, n, func(i int, s *scratch) {
		mBlock := i % p.mBlocks
		rest := i / p.mBlocks
		bidb := rest % p.Batch
		bidh := rest / p.Batch
		forwardRowBlock(p, s, bidb, bidh, mBlock)
	})
}

func forwardRowBlock(p *Params, s *scratch, bidb, bidh, mBlock int) {
	bi := p.blockInfo(bidb, 0)
	rowBase := mBlock * p.BlockM
	if rowBase >= bi.actualSeqlenQ {
		return
	}

	blockM, blockN, d := p.BlockM, p.BlockN, p.HeadDim
	s.ensure(blockM, blockN, d)

	nMin, nMax := p.keyTileRange(mBlock, bi)
	if nMax <= nMin {
		p.writeEmpty(bidb, bidh, rowBase, bi.actualSeqlenQ, posInf)
		return
	}

	kvHead := bidh / p.hRatio
	validQ := bi.actualSeqlenQ - rowBase
	qOff := p.Q.Offset(bidb, bidh, rowBase, 0)
	copyTileF32(s.q, blockM, d, p.Q.Data[qOff:], p.Q.Stride[2], validQ, true)

	mask := p.mask(bidb, bidh, bi)
	var rng dropoutRNG
	if p.dropActive || p.ReturnProbs {
		rng = p.dropout(bidb, bidh)
	}

	// Tiles walk from the high key end down, so the bounded number of
	// masked tiles is handled first and the rest of the loop is clean.
	n := nMax - 1
	kBuf := 0
	kStride := p.K.Stride[2]
	n0 := n
	kOff := p.K.Offset(bidb, kvHead, n0*blockN, 0)
	kFence := loadAsync(func() {
		copyTileF32(s.k[0], blockN, d, p.K.Data[kOff:], kStride, bi.actualSeqlenK-n0*blockN, false)
	})

	st := &s.rows
	st.reset(blockM)
	clear(s.accO)

	maskSteps := p.maskingSteps()
	for step := 0; ; step++ {
		masking := step < maskSteps

		kFence.wait()
		cur := kBuf

		// Value rows stream in while the score tile is computed.
		vOff := p.V.Offset(bidb, kvHead, n*blockN, 0)
		vStride := p.V.Stride[2]
		nTile, first := n, step == 0
		vFence := loadAsync(func() {
			copyTileF32(s.v, blockN, d, p.V.Data[vOff:], vStride, bi.actualSeqlenK-nTile*blockN, first)
		})

		tensor.MulABt(s.s, blockN, s.q, d, s.k[cur], d, blockM, blockN, d)
		mask.apply(s.s, blockN, blockM, blockN, rowBase, n*blockN, masking)

		vFence.wait()
		if n > nMin {
			kBuf = 1 - cur
			next := n - 1
			nOff := p.K.Offset(bidb, kvHead, next*blockN, 0)
			dst := s.k[kBuf]
			kFence = loadAsync(func() {
				copyTileF32(dst, blockN, d, p.K.Data[nOff:], kStride, bi.actualSeqlenK-next*blockN, false)
			})
		}

		checkInf := p.local
		if masking {
			checkInf = p.causal || p.local || !p.evenMN
		}
		st.fold(s.s, blockN, blockM, blockN, s.accO, d, p.scaleLog2, step == 0, checkInf)

		if p.DType == F16 {
			tensor.RoundF16(s.s)
		}
		if p.ReturnProbs {
			p.writeProbs(s.s, blockM, blockN, bidb, bidh, rowBase, n*blockN, &rng)
		}
		if p.dropActive {
			rng.applyTile(s.s, blockN, blockM, blockN, rowBase, n*blockN, false)
		}
		tensor.MulAcc(s.accO, d, s.s, blockN, s.v, d, blockM, blockN, d)

		n--
		if n < nMin {
			break
		}
	}

	st.finalize(s.accO, d, blockM, p.Scale, p.rpDropout, false, s.lse)
	if p.DType == F16 {
		tensor.RoundF16(s.accO)
	}
	p.writeRowBlock(bidb, bidh, rowBase, bi.actualSeqlenQ, s.accO, s.lse)
}

// writeRowBlock copies the valid accumulator rows and LSE entries of one
// query tile into O and LSE.
func (p *Params) writeRowBlock(bidb, bidh, rowBase, actualSeqlenQ int, accO, lse []float32) {
	d := p.HeadDim
	rows := min(p.BlockM, actualSeqlenQ-rowBase)
	oOff := p.O.Offset(bidb, bidh, rowBase, 0)
	lseOff := (bidb*p.Heads+bidh)*p.SeqlenQ + rowBase
	for i := range rows {
		copy(p.O.Data[oOff+i*p.O.Stride[2]:oOff+i*p.O.Stride[2]+d], accO[i*d:(i+1)*d])
		p.LSE[lseOff+i] = lse[i]
	}
}

// writeEmpty records a query tile whose key range is empty: zero output
// rows and a sentinel LSE (+Inf for final results, -Inf for split
// partials, so the combine pass assigns them no weight).
func (p *Params) writeEmpty(bidb, bidh, rowBase, actualSeqlenQ int, sentinel float32) {
	d := p.HeadDim
	rows := min(p.BlockM, actualSeqlenQ-rowBase)
	oOff := p.O.Offset(bidb, bidh, rowBase, 0)
	lseOff := (bidb*p.Heads+bidh)*p.SeqlenQ + rowBase
	for i := range rows {
		clear(p.O.Data[oOff+i*p.O.Stride[2] : oOff+i*p.O.Stride[2]+d])
		p.LSE[lseOff+i] = sentinel
	}
}

// writeProbs copies one probability tile into the debug output, flipping
// the sign of entries dropout will remove.
func (p *Params) writeProbs(tile []float32, rows, cols, bidb, bidh, rowBase, colBase int, rng *dropoutRNG) {
	base := ((bidb*p.Heads+bidh)*p.seqlenQR + rowBase) * p.seqlenKR
	for i := range rows {
		dst := p.Probs[base+i*p.seqlenKR+colBase : base+i*p.seqlenKR+colBase+cols]
		copy(dst, tile[i*cols:(i+1)*cols])
	}
	if p.dropActive {
		rng.applyTile(p.Probs[base+colBase:], p.seqlenKR, rows, cols, rowBase, colBase, true)
	}
}
