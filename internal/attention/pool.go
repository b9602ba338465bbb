package attention

import (
	"context"
	"runtime"
	"sync"
)

// scratch is one worker's fast memory: the query tile, double-buffered
// key tiles, a value tile, the score tile, the output accumulator and
// the row statistics, all reused across work units.
type scratch struct {
	q    []float32
	k    [2][]float32
	v    []float32
	s    []float32
	accO []float32
	lse  []float32
	rows rowState
}

func (s *scratch) ensure(blockM, blockN, headDim int) {
	if need := blockM * headDim; cap(s.q) < need {
		s.q = make([]float32, need)
		s.accO = make([]float32, need)
	}
	s.q = s.q[:blockM*headDim]
	s.accO = s.accO[:blockM*headDim]
	if need := blockN * headDim; cap(s.k[0]) < need {
		s.k[0] = make([]float32, need)
		s.k[1] = make([]float32, need)
		s.v = make([]float32, need)
	}
	if need := blockM * blockN; cap(s.s) < need {
		s.s = make([]float32, need)
	}
	s.s = s.s[:blockM*blockN]
	if cap(s.lse) < blockM {
		s.lse = make([]float32, blockM)
	}
	s.lse = s.lse[:blockM]
}

var scratchPool = sync.Pool{New: func() any { return new(scratch) }}

type blockTask struct {
	run  func(*scratch)
	done chan struct{}
}

// blockPool executes attention work units on long-lived workers, each
// owning its scratch so tiles stay hot across units.
type blockPool struct {
	size      int
	tasks     chan blockTask
	doneSlots chan chan struct{}
}

var blockWork = newBlockPool(max(runtime.GOMAXPROCS(0), 1))

func newBlockPool(size int) *blockPool {
	p := &blockPool{
		size:      size,
		tasks:     make(chan blockTask, size),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, 1)
		s := new(scratch)
		go func() {
			for t := range p.tasks {
				t.run(s)
				t.done <- struct{}{}
			}
		}()
	}
	return p
}

// runGrid splits n work units into contiguous chunks, one per worker,
// and blocks until all complete. Cancellation is observed between units.
func (p *blockPool) runGrid(ctx context.Context, n int, unit func(i int, s *scratch)) error {
	if n == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	workers := min(p.size, n)
	if workers <= 1 {
		s := scratchPool.Get().(*scratch)
		defer scratchPool.Put(s)
		for i := range n {
			if err := ctx.Err(); err != nil {
				return err
			}
			unit(i, s)
		}
		return nil
	}

	chunk := ceilDiv(n, workers)
	done := <-p.doneSlots
	active := 0
	for w := range workers {
		lo, hi := w*chunk, min((w+1)*chunk, n)
		if lo >= hi {
			break
		}
		active++
		p.tasks <- blockTask{
			run: func(s *scratch) {
				for i := lo; i < hi; i++ {
					if ctx.Err() != nil {
						return
					}
					unit(i, s)
				}
			},
			done: done,
		}
	}
	for range active {
		<-done
	}
	p.doneSlots <- done
	return ctx.Err()
}
