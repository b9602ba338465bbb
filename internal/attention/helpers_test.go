package attention

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/streamattn/streamattn/internal/tensor"
)

func fillTestData(x []float32, scale float32) {
	for i := range x {
		x[i] = scale * float32((i%29)-14)
	}
}

func newTestTensor(b, h, seq, d int, scale float32) *tensor.Strided {
	t := tensor.New(b, h, seq, d)
	fillTestData(t.Data, scale)
	return t
}

func compareSlices(t *testing.T, got, want []float32, tol float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range got {
		g, w := got[i], want[i]
		if math.IsInf(float64(w), 0) {
			if g != w {
				t.Fatalf("mismatch at %d: got %v want %v", i, g, w)
			}
			continue
		}
		if g < w-tol || g > w+tol {
			t.Fatalf("mismatch at %d: got %v want %v±%v", i, g, w, tol)
		}
	}
}

func refSlope(p *Params, b, h int) float64 {
	if len(p.AlibiSlopes) == 0 {
		return 0
	}
	if len(p.AlibiSlopes) == p.Heads {
		return float64(p.AlibiSlopes[h])
	}
	return float64(p.AlibiSlopes[b*p.Heads+h])
}

func refColAllowed(p *Params, rowRef, col int) bool {
	wl, wr := p.WindowLeft, p.WindowRight
	if p.Causal {
		wr = 0
	}
	if wr >= 0 && col > rowRef+wr {
		return false
	}
	if wl >= 0 && col < rowRef-wl {
		return false
	}
	return true
}

func refDense(src *tensor.Strided, b, h, rows, d int) *mat.Dense {
	m := mat.NewDense(rows, d, nil)
	for r := range rows {
		row := src.Row(b, h, r)
		for j := range d {
			m.Set(r, j, float64(row[j]))
		}
	}
	return m
}

// refForward evaluates the attention definition head by head in float64,
// with gonum providing the dense score product. Returns O flattened as
// (batch, heads, seqlenQ, headDim) and LSE as (batch, heads, seqlenQ);
// padded query rows stay zero.
func refForward(p *Params) (o, lse []float32) {
	H, D := p.Heads, p.HeadDim
	o = make([]float32, p.Batch*H*p.SeqlenQ*D)
	lse = make([]float32, p.Batch*H*p.SeqlenQ)
	scale := float64(p.Scale)
	if scale == 0 {
		scale = 1 / math.Sqrt(float64(D))
	}

	for b := range p.Batch {
		seqQ, seqK := p.SeqlenQ, p.SeqlenK
		if p.SeqlensQ != nil {
			seqQ = int(p.SeqlensQ[b])
		}
		if p.SeqlensK != nil {
			seqK = int(p.SeqlensK[b])
		}
		for h := range H {
			kvHead := h / (H / p.HeadsKV)
			q := refDense(p.Q, b, h, seqQ, D)
			k := refDense(p.K, b, kvHead, seqK, D)
			v := refDense(p.V, b, kvHead, seqK, D)
			var sc mat.Dense
			if seqK > 0 {
				sc.Mul(q, k.T())
			}
			slope := refSlope(p, b, h)

			var rng dropoutRNG
			if p.DropoutP > 0 {
				rng = p.dropout(b, h)
			}

			for r := range seqQ {
				rowRef := r + seqK - seqQ
				logits := make([]float64, 0, seqK)
				cols := make([]int, 0, seqK)
				for c := range seqK {
					if !refColAllowed(p, rowRef, c) {
						continue
					}
					l := sc.At(r, c) * scale
					if slope != 0 {
						l -= slope * math.Abs(float64(rowRef-c))
					}
					logits = append(logits, l)
					cols = append(cols, c)
				}

				idx := (b*H+h)*p.SeqlenQ + r
				if len(cols) == 0 {
					lse[idx] = posInf
					continue
				}
				m := math.Inf(-1)
				for _, l := range logits {
					m = math.Max(m, l)
				}
				var sum float64
				for _, l := range logits {
					sum += math.Exp(l - m)
				}
				L := m + math.Log(sum)
				lse[idx] = float32(L)

				out := o[idx*D : (idx+1)*D]
				for i, c := range cols {
					w := math.Exp(logits[i] - L)
					if p.DropoutP > 0 {
						draw := rng.draws(r, c/4)
						if draw[c%4] > rng.threshold {
							continue
						}
						w /= float64(1 - p.DropoutP)
					}
					for j := range D {
						out[j] += float32(w * v.At(c, j))
					}
				}
			}
		}
	}
	return o, lse
}

// flatten copies a padded (batch, heads, seq, d) tensor into the dense
// layout refForward produces, zeroing rows past each batch's true length
// so both sides compare only written data.
func flatten(t *tensor.Strided, b, h, seq, d int, seqlens []int32) []float32 {
	out := make([]float32, b*h*seq*d)
	for bi := range b {
		n := seq
		if seqlens != nil {
			n = int(seqlens[bi])
		}
		for hi := range h {
			for r := range n {
				copy(out[(((bi*h+hi)*seq)+r)*d:], t.Row(bi, hi, r))
			}
		}
	}
	return out
}
