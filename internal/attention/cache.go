package attention

import (
	"fmt"

	"github.com/streamattn/streamattn/internal/tensor"
)

// KVCache is the key/value backing store for the split-KV path: either
// flat per-sequence tensors, or a pool of fixed-size pages addressed
// through a per-sequence block table so sequences grow without moving.
type KVCache struct {
	// Flat layout, float32 only.
	K *tensor.Strided // (slots, headsKV, maxSeqlen, headDim)
	V *tensor.Strided

	// Paged layout: pools shaped (pages, pageSize, headsKV, headDim)
	// with rows of all heads interleaved per position. Exactly one pool
	// pair is populated, matching DType.
	PoolK, PoolV     []float32
	PoolK16, PoolV16 []uint16
	Pages            int
	PageSize         int

	// BlockTable maps (slot, logicalPage) to a physical page index,
	// laid out (slots, pagesPerSlot).
	BlockTable   []int32
	PagesPerSlot int

	Slots   int
	HeadsKV int
	HeadDim int
	DType   DType
}

// NewPagedKVCache allocates an empty page pool and a block table with
// pagesPerSlot logical pages per sequence slot, initially unmapped (-1).
func NewPagedKVCache(pages, pageSize, slots, pagesPerSlot, headsKV, headDim int, dtype DType) *KVCache {
	c := &KVCache{
		Pages:        pages,
		PageSize:     pageSize,
		BlockTable:   make([]int32, slots*pagesPerSlot),
		PagesPerSlot: pagesPerSlot,
		Slots:        slots,
		HeadsKV:      headsKV,
		HeadDim:      headDim,
		DType:        dtype,
	}
	for i := range c.BlockTable {
		c.BlockTable[i] = -1
	}
	n := pages * pageSize * headsKV * headDim
	if dtype == F16 {
		c.PoolK16 = make([]uint16, n)
		c.PoolV16 = make([]uint16, n)
	} else {
		c.PoolK = make([]float32, n)
		c.PoolV = make([]float32, n)
	}
	return c
}

// NewFlatKVCache wraps contiguous per-slot key/value tensors.
func NewFlatKVCache(k, v *tensor.Strided) *KVCache {
	return &KVCache{
		K: k, V: v,
		Slots:   k.Shape[0],
		HeadsKV: k.Shape[1],
		HeadDim: k.Shape[3],
		DType:   F32,
	}
}

func (c *KVCache) Paged() bool { return c.BlockTable != nil }

// MapPage binds logical page lp of a slot to physical page pp.
func (c *KVCache) MapPage(slot, lp int, pp int32) {
	c.BlockTable[slot*c.PagesPerSlot+lp] = pp
}

func (c *KVCache) validate(blockN, maxSeqlen int) error {
	if c.Paged() {
		if c.PageSize <= 0 || c.PageSize%blockN != 0 {
			return fmt.Errorf("attention: page size %d must be a positive multiple of blockN %d", c.PageSize, blockN)
		}
		if c.PagesPerSlot*c.PageSize < maxSeqlen {
			return fmt.Errorf("attention: block table covers %d rows per slot, need %d", c.PagesPerSlot*c.PageSize, maxSeqlen)
		}
		return nil
	}
	if c.K == nil || c.V == nil {
		return fmt.Errorf("attention: cache has neither flat tensors nor a page pool")
	}
	if !c.K.InnerContiguous() || !c.V.InnerContiguous() {
		return fmt.Errorf("attention: flat cache tensors must be contiguous along headDim")
	}
	if c.DType != F32 {
		return fmt.Errorf("attention: flat cache supports float32 only")
	}
	if c.K.Shape[2] < maxSeqlen {
		return fmt.Errorf("attention: flat cache holds %d rows per slot, need %d", c.K.Shape[2], maxSeqlen)
	}
	return nil
}

// tileSrc locates a run of cache rows: base slice plus the stride
// between consecutive positions. Exactly one of f32/f16 is set.
type tileSrc struct {
	f32       []float32
	f16       []uint16
	rowStride int
}

// kTile and vTile resolve the storage behind key tile nBlock of a slot.
// Pages are multiples of blockN long, so one tile never crosses a page.
func (c *KVCache) kTile(slot, kvHead, nBlock, blockN int) tileSrc {
	return c.tile(slot, kvHead, nBlock, blockN, true)
}

func (c *KVCache) vTile(slot, kvHead, nBlock, blockN int) tileSrc {
	return c.tile(slot, kvHead, nBlock, blockN, false)
}

func (c *KVCache) tile(slot, kvHead, nBlock, blockN int, key bool) tileSrc {
	if !c.Paged() {
		t := c.V
		if key {
			t = c.K
		}
		off := t.Offset(slot, kvHead, nBlock*blockN, 0)
		return tileSrc{f32: t.Data[off:], rowStride: t.Stride[2]}
	}
	cur := kvCursor{table: c.slotTable(slot), pageSize: c.PageSize, blockN: blockN}
	page, rowOff := cur.locate(nBlock)
	stride := c.HeadsKV * c.HeadDim
	off := (page*c.PageSize+rowOff)*stride + kvHead*c.HeadDim
	if c.DType == F16 {
		pool := c.PoolV16
		if key {
			pool = c.PoolK16
		}
		return tileSrc{f16: pool[off:], rowStride: stride}
	}
	pool := c.PoolV
	if key {
		pool = c.PoolK
	}
	return tileSrc{f32: pool[off:], rowStride: stride}
}

func (c *KVCache) slotTable(slot int) []int32 {
	return c.BlockTable[slot*c.PagesPerSlot : (slot+1)*c.PagesPerSlot]
}

// row resolves the storage for a single absolute position, for appends.
func (c *KVCache) row(slot, kvHead, pos int, key bool) (f32 []float32, f16 []uint16) {
	d := c.HeadDim
	if !c.Paged() {
		t := c.V
		if key {
			t = c.K
		}
		off := t.Offset(slot, kvHead, pos, 0)
		return t.Data[off : off+d], nil
	}
	page := int(c.slotTable(slot)[pos/c.PageSize])
	stride := c.HeadsKV * d
	off := (page*c.PageSize+pos%c.PageSize)*stride + kvHead*d
	if c.DType == F16 {
		pool := c.PoolV16
		if key {
			pool = c.PoolK16
		}
		return nil, pool[off : off+d]
	}
	pool := c.PoolV
	if key {
		pool = c.PoolK
	}
	return pool[off : off+d], nil
}

// storeRow writes one row into whichever representation the cache uses.
func storeRow(f32 []float32, f16 []uint16, src []float32) {
	if f32 != nil {
		copy(f32, src)
		return
	}
	for i, v := range src {
		f16[i] = tensor.EncodeF16(v)
	}
}
