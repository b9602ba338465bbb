package attention

import (
	"testing"

	"github.com/streamattn/streamattn/internal/tensor"
)

func TestKVCursorLocate(t *testing.T) {
	cur := kvCursor{table: []int32{7, 3, 9}, pageSize: 32, blockN: 16}
	cases := []struct {
		nBlock, page, rowOff int
	}{
		{0, 7, 0},
		{1, 7, 16},
		{2, 3, 0},
		{3, 3, 16},
		{4, 9, 0},
	}
	for _, c := range cases {
		page, off := cur.locate(c.nBlock)
		if page != c.page || off != c.rowOff {
			t.Fatalf("tile %d: got page %d offset %d, want %d/%d", c.nBlock, page, off, c.page, c.rowOff)
		}
	}
}

func TestPagedCacheRowRoundtrip(t *testing.T) {
	for _, dtype := range []DType{F32, F16} {
		c := NewPagedKVCache(6, 16, 2, 3, 2, 4, dtype)
		c.MapPage(0, 0, 5)
		c.MapPage(0, 1, 2)
		c.MapPage(1, 0, 0)

		want := []float32{1, -2, 0.5, 3}
		k32, k16 := c.row(0, 1, 20, true) // slot 0, logical page 1, row 4
		storeRow(k32, k16, want)

		got := make([]float32, 4)
		copyTile(got, 1, 4, c.kTile(0, 1, 5, 4), 1, false) // tile 5 of blockN=4 is row 20
		compareSlices(t, got, want, 1e-3)

		// The value pool is independent storage.
		v32, v16 := c.row(0, 1, 20, false)
		storeRow(v32, v16, []float32{9, 9, 9, 9})
		copyTile(got, 1, 4, c.kTile(0, 1, 5, 4), 1, false)
		compareSlices(t, got, want, 1e-3)
	}
}

func TestFlatCacheTileStride(t *testing.T) {
	k := newTestTensor(2, 3, 32, 4, 0.1)
	v := newTestTensor(2, 3, 32, 4, 0.2)
	c := NewFlatKVCache(k, v)
	if c.Paged() {
		t.Fatal("flat cache reports paged")
	}

	src := c.vTile(1, 2, 1, 8) // rows 8..15 of slot 1, head 2
	got := make([]float32, 8*4)
	copyTile(got, 8, 4, src, 8, false)
	for r := range 8 {
		compareSlices(t, got[r*4:(r+1)*4], v.Row(1, 2, 8+r), 0)
	}
}

func TestCacheValidate(t *testing.T) {
	k := newTestTensor(1, 2, 32, 4, 0.1)
	v := newTestTensor(1, 2, 32, 4, 0.1)

	if err := NewFlatKVCache(k, v).validate(16, 32); err != nil {
		t.Fatalf("flat cache: %v", err)
	}
	if err := NewFlatKVCache(k, v).validate(16, 48); err == nil {
		t.Fatal("expected capacity error")
	}

	paged := NewPagedKVCache(4, 32, 1, 4, 2, 4, F32)
	if err := paged.validate(16, 128); err != nil {
		t.Fatalf("paged cache: %v", err)
	}
	if err := paged.validate(24, 128); err == nil {
		t.Fatal("expected page/tile alignment error")
	}
	if err := paged.validate(16, 256); err == nil {
		t.Fatal("expected block table coverage error")
	}
}

func TestCopyTileZeroFill(t *testing.T) {
	dst := []float32{9, 9, 9, 9, 9, 9}
	src := []float32{1, 2, 3, 4}
	copyTileF32(dst, 3, 2, src, 2, 2, true)
	compareSlices(t, dst, []float32{1, 2, 3, 4, 0, 0}, 0)

	dst2 := []float32{9, 9, 9, 9, 9, 9}
	copyTileF32(dst2, 3, 2, src, 2, 2, false)
	compareSlices(t, dst2, []float32{1, 2, 3, 4, 9, 9}, 0)
}

func TestCopyTileHalf(t *testing.T) {
	src := make([]uint16, 4)
	tensor.ToF16(src, []float32{0.5, -1.25, 2, -3})
	dst := make([]float32, 4)
	copyTileF16(dst, 2, 2, src, 2, 2, false)
	compareSlices(t, dst, []float32{0.5, -1.25, 2, -3}, 0)
}
