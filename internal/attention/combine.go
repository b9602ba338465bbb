package attention

import (
	"context"
	"runtime"

	"github.com/chewxy/math32"

	"github.com/streamattn/streamattn/internal/tensor"

	"golang.org/x/sync/errgroup"
)

// combineBlockM picks how many query rows one combine work unit folds;
// wider heads get shorter blocks so a unit's accumulator footprint stays
// level.
func combineBlockM(headDim int) int {
	switch {
	case headDim%128 == 0:
		return 4
	case headDim%64 == 0:
		return 8
	default:
		return 16
	}
}

// combineSplits folds the per-split partials into O and LSE. Each work
// unit owns a block of flattened (batch, head, query) rows: it takes the
// log-sum-exp across splits with a running-max guard, then accumulates
// the outputs under softmax weights. Rows no split touched (all
// partials -Inf) come out as zero output with LSE +Inf.
func combineSplits(ctx context.Context, p *SplitParams) error {
	total := p.Batch * p.Heads * p.SeqlenQ
	blockM := combineBlockM(p.HeadDim)
	nBlocks := ceilDiv(total, blockM)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := range nBlocks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			combineRowBlock(p, b*blockM, min(blockM, total-b*blockM))
			return nil
		})
	}
	return g.Wait()
}

func combineRowBlock(p *SplitParams, row0, rows int) {
	total := p.Batch * p.Heads * p.SeqlenQ
	d := p.HeadDim
	splits := p.NumSplits
	acc := make([]float32, d)

	for r := range rows {
		row := row0 + r

		lseMax := negInf
		for s := range splits {
			if v := p.LSEaccum[s*total+row]; v > lseMax {
				lseMax = v
			}
		}
		ref := lseMax
		if math32.IsInf(ref, -1) {
			ref = 0
		}
		var sum float32
		for s := range splits {
			sum += math32.Exp(p.LSEaccum[s*total+row] - ref)
		}
		logsum := posInf
		if sum != 0 && sum == sum {
			logsum = math32.Log(sum) + ref
		}
		p.LSE[row] = logsum

		clear(acc)
		for s := range splits {
			w := math32.Exp(p.LSEaccum[s*total+row] - logsum)
			if w == 0 {
				continue
			}
			part := p.Oaccum[(s*total+row)*d : (s*total+row+1)*d]
			for j, v := range part {
				acc[j] += w * v
			}
		}
		if p.DType == F16 {
			tensor.RoundF16(acc)
		}

		bidb := row / (p.Heads * p.SeqlenQ)
		rem := row % (p.Heads * p.SeqlenQ)
		bidh := rem / p.SeqlenQ
		q := rem % p.SeqlenQ
		off := p.O.Offset(bidb, bidh, q, 0)
		copy(p.O.Data[off:off+d], acc)
	}
}
