package tensor

import "github.com/x448/float16"

// EncodeF16 converts a float32 to its IEEE 754 half-precision bits.
func EncodeF16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// DecodeF16 converts half-precision bits back to float32.
func DecodeF16(u uint16) float32 {
	return float16.Frombits(u).Float32()
}

// ToF16 converts src into dst element-wise. len(dst) must cover len(src).
func ToF16(dst []uint16, src []float32) {
	for i, f := range src {
		dst[i] = float16.Fromfloat32(f).Bits()
	}
}

// FromF16 converts src into dst element-wise.
func FromF16(dst []float32, src []uint16) {
	for i, u := range src {
		dst[i] = float16.Frombits(u).Float32()
	}
}

// RoundF16 rounds every element of x through half precision in place.
// Used to model reduced-precision operands accumulated in float32.
func RoundF16(x []float32) {
	for i, f := range x {
		x[i] = float16.Frombits(float16.Fromfloat32(f).Bits()).Float32()
	}
}
