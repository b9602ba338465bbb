package attention

import "math"

// Philox4x32-10 round constants.
const (
	philoxW32A = 0x9E3779B9
	philoxW32B = 0xBB67AE85
	philoxM0   = 0xD2511F53
	philoxM1   = 0xCD9E8D57
)

func mulHiLo(a, b uint32) (hi, lo uint32) {
	p := uint64(a) * uint64(b)
	return uint32(p >> 32), uint32(p)
}

// philox4x32 runs the ten-round Philox4x32 block cipher: counter in,
// four independent uniform 32-bit draws out.
func philox4x32(ctr [4]uint32, k0, k1 uint32) [4]uint32 {
	for range 10 {
		hi0, lo0 := mulHiLo(philoxM0, ctr[0])
		hi1, lo1 := mulHiLo(philoxM1, ctr[2])
		ctr = [4]uint32{hi1 ^ ctr[1] ^ k0, lo1, hi0 ^ ctr[3] ^ k1, lo0}
		k0 += philoxW32A
		k1 += philoxW32B
	}
	return ctr
}

// dropoutRNG derives keep/drop decisions for score elements from their
// absolute (row, column) coordinates alone. Any pass over any tiling of
// the attention matrix regenerates the identical mask, so results do not
// depend on iteration order or worker count.
type dropoutRNG struct {
	key0, key1 uint32
	ctr2, ctr3 uint32
	threshold  uint32 // keep when the draw is <= threshold
}

func (p *Params) dropout(bidb, bidh int) dropoutRNG {
	bh := uint32(bidb*p.Heads + bidh)
	return dropoutRNG{
		key0:      uint32(p.PhiloxSeed),
		key1:      uint32(p.PhiloxSeed >> 32),
		ctr2:      bh + uint32(p.PhiloxOffset),
		ctr3:      uint32(p.PhiloxOffset >> 32),
		threshold: uint32(float64(1-p.DropoutP) * float64(math.MaxUint32)),
	}
}

// draws returns the four uniform draws covering absolute columns
// col4*4 .. col4*4+3 of one score row.
func (d *dropoutRNG) draws(row, col4 int) [4]uint32 {
	return philox4x32([4]uint32{uint32(row), uint32(col4), d.ctr2, d.ctr3}, d.key0, d.key1)
}

// applyTile zeroes dropped entries of a rows×cols probability tile whose
// top-left element sits at (rowBase, colBase); colBase must be a
// multiple of 4. With encodeSign the dropped entries keep their
// magnitude and flip sign instead, for the probability debug output.
func (d *dropoutRNG) applyTile(probs []float32, ld, rows, cols, rowBase, colBase int, encodeSign bool) {
	for i := range rows {
		row := probs[i*ld : i*ld+cols]
		for j := 0; j < cols; j += 4 {
			r := d.draws(rowBase+i, (colBase+j)/4)
			for q := 0; q < 4 && j+q < cols; q++ {
				if r[q] <= d.threshold {
					continue
				}
				if encodeSign {
					row[j+q] = -row[j+q]
				} else {
					row[j+q] = 0
				}
			}
		}
	}
}
