package tensor

import "golang.org/x/sys/cpu"

// bUnroll is the number of B rows processed per pass in MulABt. Wider
// cores sustain more independent accumulator chains.
var bUnroll = selectUnroll()

func selectUnroll() int {
	if cpu.X86.HasAVX512F || cpu.ARM64.HasSVE {
		return 8
	}
	if cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD {
		return 4
	}
	return 2
}

// CPUFeature names the microarchitecture class the tile kernels were
// configured for. Informational only.
func CPUFeature() string {
	switch {
	case cpu.X86.HasAVX512F:
		return "avx512"
	case cpu.X86.HasAVX2:
		return "avx2"
	case cpu.ARM64.HasSVE:
		return "sve"
	case cpu.ARM64.HasASIMD:
		return "neon"
	default:
		return "generic"
	}
}

// MulABt computes dst = a·bᵀ for one tile: dst is m×n with leading
// dimension ldd, a holds m rows of length k with leading dimension lda,
// b holds n rows of length k with leading dimension ldb. dst is
// overwritten, not accumulated.
func MulABt(dst []float32, ldd int, a []float32, lda int, b []float32, ldb, m, n, k int) {
	switch bUnroll {
	case 8:
		mulABt8(dst, ldd, a, lda, b, ldb, m, n, k)
	default:
		mulABt4(dst, ldd, a, lda, b, ldb, m, n, k)
	}
}

func mulABt4(dst []float32, ldd int, a []float32, lda int, b []float32, ldb, m, n, k int) {
	for i := 0; i < m; i++ {
		ar := a[i*lda : i*lda+k]
		dr := dst[i*ldd : i*ldd+n]
		j := 0
		for ; j+4 <= n; j += 4 {
			b0 := b[j*ldb : j*ldb+k]
			b1 := b[(j+1)*ldb : (j+1)*ldb+k]
			b2 := b[(j+2)*ldb : (j+2)*ldb+k]
			b3 := b[(j+3)*ldb : (j+3)*ldb+k]
			var s0, s1, s2, s3 float32
			for p, av := range ar {
				s0 += av * b0[p]
				s1 += av * b1[p]
				s2 += av * b2[p]
				s3 += av * b3[p]
			}
			dr[j] = s0
			dr[j+1] = s1
			dr[j+2] = s2
			dr[j+3] = s3
		}
		for ; j < n; j++ {
			br := b[j*ldb : j*ldb+k]
			var s float32
			for p, av := range ar {
				s += av * br[p]
			}
			dr[j] = s
		}
	}
}

func mulABt8(dst []float32, ldd int, a []float32, lda int, b []float32, ldb, m, n, k int) {
	for i := 0; i < m; i++ {
		ar := a[i*lda : i*lda+k]
		dr := dst[i*ldd : i*ldd+n]
		j := 0
		for ; j+8 <= n; j += 8 {
			var s [8]float32
			for q := 0; q < 8; q++ {
				br := b[(j+q)*ldb : (j+q)*ldb+k]
				var acc float32
				for p, av := range ar {
					acc += av * br[p]
				}
				s[q] = acc
			}
			copy(dr[j:j+8], s[:])
		}
		for ; j < n; j++ {
			br := b[j*ldb : j*ldb+k]
			var acc float32
			for p, av := range ar {
				acc += av * br[p]
			}
			dr[j] = acc
		}
	}
}

// MulAcc accumulates dst += p·v where p is m×n with leading dimension
// ldp, v holds n rows of length d with leading dimension ldv, and dst is
// m×d with leading dimension ldd.
func MulAcc(dst []float32, ldd int, p []float32, ldp int, v []float32, ldv, m, n, d int) {
	for i := 0; i < m; i++ {
		dr := dst[i*ldd : i*ldd+d]
		pr := p[i*ldp : i*ldp+n]
		for j, w := range pr {
			if w == 0 {
				continue
			}
			vr := v[j*ldv : j*ldv+d]
			for q, vv := range vr {
				dr[q] += w * vv
			}
		}
	}
}
