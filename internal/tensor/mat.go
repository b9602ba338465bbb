package tensor

// Strided is a 4-D row-major view over a flat float32 buffer. The
// innermost dimension must be contiguous (stride 1); outer dimensions may
// carry arbitrary strides so callers can address batches, heads and
// sequences inside larger buffers without copying.
type Strided struct {
	Data   []float32
	Shape  [4]int
	Stride [4]int
}

// New allocates a contiguous 4-D tensor of the given shape.
func New(d0, d1, d2, d3 int) *Strided {
	return &Strided{
		Data:   make([]float32, d0*d1*d2*d3),
		Shape:  [4]int{d0, d1, d2, d3},
		Stride: [4]int{d1 * d2 * d3, d2 * d3, d3, 1},
	}
}

// View wraps an existing buffer with explicit shape and strides.
func View(data []float32, shape, stride [4]int) *Strided {
	return &Strided{Data: data, Shape: shape, Stride: stride}
}

// Offset returns the flat index of element (i, j, k, l).
func (t *Strided) Offset(i, j, k, l int) int {
	return i*t.Stride[0] + j*t.Stride[1] + k*t.Stride[2] + l*t.Stride[3]
}

// Row returns the innermost slice at (i, j, k), length Shape[3].
// Only valid when the innermost dimension is contiguous.
func (t *Strided) Row(i, j, k int) []float32 {
	off := t.Offset(i, j, k, 0)
	return t.Data[off : off+t.Shape[3]]
}

// At returns element (i, j, k, l).
func (t *Strided) At(i, j, k, l int) float32 {
	return t.Data[t.Offset(i, j, k, l)]
}

// Set writes element (i, j, k, l).
func (t *Strided) Set(i, j, k, l int, v float32) {
	t.Data[t.Offset(i, j, k, l)] = v
}

// InnerContiguous reports whether the innermost dimension has stride 1.
func (t *Strided) InnerContiguous() bool {
	return t.Stride[3] == 1
}
