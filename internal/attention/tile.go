package attention

import (
	"runtime"

	"github.com/streamattn/streamattn/internal/tensor"
)

// fence signals completion of one asynchronous tile transfer. The
// destination buffer must not be read before wait returns.
type fence chan struct{}

func (f fence) wait() { <-f }

type copyJob struct {
	run  func()
	done fence
}

// copyPool runs tile transfers on their own goroutines so a kernel can
// overlap the next tile's load with the current tile's arithmetic. Copy
// workers never wait on kernel workers, so submissions cannot deadlock.
type copyPool struct {
	jobs chan copyJob
}

var copies = newCopyPool(runtime.GOMAXPROCS(0))

func newCopyPool(size int) *copyPool {
	p := &copyPool{jobs: make(chan copyJob, 4*size)}
	for range size {
		go func() {
			for j := range p.jobs {
				j.run()
				j.done <- struct{}{}
			}
		}()
	}
	return p
}

// loadAsync schedules one transfer and returns its fence.
func loadAsync(run func()) fence {
	f := make(fence, 1)
	copies.jobs <- copyJob{run: run, done: f}
	return f
}

// copyTile stages validRows rows of rowStride-separated source data into
// a dense tileRows×headDim buffer. clearOOB zero-fills the rows past
// validRows; otherwise they keep whatever the buffer held, which is fine
// whenever masking turns those columns to -Inf before they matter.
func copyTile(dst []float32, tileRows, headDim int, src tileSrc, validRows int, clearOOB bool) {
	if src.f16 != nil {
		copyTileF16(dst, tileRows, headDim, src.f16, src.rowStride, validRows, clearOOB)
		return
	}
	copyTileF32(dst, tileRows, headDim, src.f32, src.rowStride, validRows, clearOOB)
}

func copyTileF32(dst []float32, tileRows, headDim int, src []float32, rowStride, validRows int, clearOOB bool) {
	n := min(validRows, tileRows)
	for i := range n {
		copy(dst[i*headDim:(i+1)*headDim], src[i*rowStride:i*rowStride+headDim])
	}
	if clearOOB && n < tileRows {
		clear(dst[n*headDim : tileRows*headDim])
	}
}

func copyTileF16(dst []float32, tileRows, headDim int, src []uint16, rowStride, validRows int, clearOOB bool) {
	n := min(validRows, tileRows)
	for i := range n {
		row := src[i*rowStride : i*rowStride+headDim]
		out := dst[i*headDim : (i+1)*headDim]
		for j, h := range row {
			out[j] = tensor.DecodeF16(h)
		}
	}
	if clearOOB && n < tileRows {
		clear(dst[n*headDim : tileRows*headDim])
	}
}
