package attention

import "github.com/chewxy/math32"

// rowState carries the online-softmax statistics for the query rows of
// one tile across key tiles: the raw (unscaled) running maximum and the
// running sum of exponentials. Exponentiation is base 2 against a
// log2-scaled softmax constant, which keeps the inner loop on exp2.
type rowState struct {
	max []float32
	sum []float32
}

func (st *rowState) reset(rows int) {
	if cap(st.max) < rows {
		st.max = make([]float32, rows)
		st.sum = make([]float32, rows)
	}
	st.max = st.max[:rows]
	st.sum = st.sum[:rows]
	for i := range rows {
		st.max[i] = negInf
		st.sum[i] = 0
	}
}

// fold absorbs a freshly masked rows×cols score tile: it advances the
// row maxima, rescales the output accumulator and running sums when a
// maximum moves, and exponentiates the scores in place. checkInf keeps
// fully-masked rows (running max still -Inf) producing zeros instead of
// NaN; callers pass it whenever a row can be entirely masked.
func (st *rowState) fold(scores []float32, ld, rows, cols int, accO []float32, headDim int, scaleLog2 float32, first, checkInf bool) {
	for i := range rows {
		row := scores[i*ld : i*ld+cols]

		m := st.max[i]
		if first {
			m = negInf
		}
		for _, s := range row {
			if s > m {
				m = s
			}
		}

		if !first {
			prev := st.max[i]
			cur := m
			if checkInf && math32.IsInf(cur, -1) {
				cur = 0
			}
			scale := math32.Exp2((prev - cur) * scaleLog2)
			st.sum[i] *= scale
			acc := accO[i*headDim : i*headDim+headDim]
			for j := range acc {
				acc[j] *= scale
			}
		}
		st.max[i] = m

		maxScaled := m * scaleLog2
		if checkInf && math32.IsInf(m, -1) {
			maxScaled = 0
		}
		var sum float32
		for j, s := range row {
			e := math32.Exp2(s*scaleLog2 - maxScaled)
			row[j] = e
			sum += e
		}
		st.sum[i] += sum
	}
}

// finalize normalizes the output accumulator by the running sums and
// writes one log-sum-exp per row. Rows that saw no probability mass get
// a sentinel LSE and an untouched (zero) accumulator row: +Inf on the
// full path, -Inf for split partials so the combine pass weighs them out.
// dropoutScale re-inflates kept probabilities (1/(1-p), or 1).
func (st *rowState) finalize(accO []float32, headDim, rows int, scale, dropoutScale float32, split bool, lse []float32) {
	empty := posInf
	if split {
		empty = negInf
	}
	for i := range rows {
		sum := st.sum[i]
		inv := float32(1)
		if sum == 0 || sum != sum {
			lse[i] = empty
		} else {
			inv = 1 / sum
			lse[i] = st.max[i]*scale + math32.Log(sum)
		}
		inv *= dropoutScale
		acc := accO[i*headDim : i*headDim+headDim]
		for j := range acc {
			acc[j] *= inv
		}
	}
}
