package attention

// kvCursor resolves logical key/value tile indices against one slot's
// block table. Locating a tile is a pure recomputation from the logical
// index, so tiles can be visited in any order and from any worker
// without carried state.
type kvCursor struct {
	table    []int32
	pageSize int
	blockN   int
}

// locate returns the physical page holding tile nBlock and the row
// offset of the tile inside that page. The page size is a multiple of
// blockN, so the whole tile lives on the returned page.
func (c kvCursor) locate(nBlock int) (page, rowOff int) {
	row := nBlock * c.blockN
	idx := row / c.pageSize
	return int(c.table[idx]), row - idx*c.pageSize
}
