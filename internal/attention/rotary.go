package attention

import "github.com/chewxy/math32"

// RotaryTables precomputes cos/sin tables for rotary position embedding,
// one half-dimension row per absolute position:
// cos[pos*rotaryDim/2 + i] = cos(pos / base^(2i/rotaryDim)).
func RotaryTables(maxPos, rotaryDim int, base float32) (cosTab, sinTab []float32) {
	half := rotaryDim / 2
	cosTab = make([]float32, maxPos*half)
	sinTab = make([]float32, maxPos*half)
	for i := range half {
		invFreq := math32.Pow(base, -2*float32(i)/float32(rotaryDim))
		for pos := range maxPos {
			theta := float32(pos) * invFreq
			cosTab[pos*half+i] = math32.Cos(theta)
			sinTab[pos*half+i] = math32.Sin(theta)
		}
	}
	return cosTab, sinTab
}

// applyRotaryRow rotates the first rotaryDim features of one row with
// the table entries for absolute position pos. Interleaved pairing
// rotates features (2i, 2i+1); the contiguous variant pairs
// (i, i+rotaryDim/2). dst and src may alias; features past rotaryDim
// pass through unchanged.
func applyRotaryRow(dst, src, cosTab, sinTab []float32, pos, rotaryDim int, interleaved bool) {
	half := rotaryDim / 2
	cs := cosTab[pos*half : pos*half+half]
	sn := sinTab[pos*half : pos*half+half]
	if interleaved {
		for i := range half {
			x0, x1 := src[2*i], src[2*i+1]
			dst[2*i] = x0*cs[i] - x1*sn[i]
			dst[2*i+1] = x0*sn[i] + x1*cs[i]
		}
	} else {
		for i := range half {
			x0, x1 := src[i], src[i+half]
			dst[i] = x0*cs[i] - x1*sn[i]
			dst[i+half] = x0*sn[i] + x1*cs[i]
		}
	}
	if &dst[0] != &src[0] {
		copy(dst[rotaryDim:], src[rotaryDim:])
	}
}
