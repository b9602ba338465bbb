package attention

// blockInfo resolves the true sequence extents for one batch element.
// seqlenKCache is the number of key rows already resident before any
// append; actualSeqlenK additionally counts rows appended this call.
type blockInfo struct {
	actualSeqlenQ int
	seqlenKCache  int
	actualSeqlenK int
}

func (p *Params) blockInfo(bidb, seqlenNew int) blockInfo {
	q := p.SeqlenQ
	if p.SeqlensQ != nil {
		q = int(p.SeqlensQ[bidb])
	}
	kc := p.SeqlenK
	if p.SeqlensK != nil {
		kc = int(p.SeqlensK[bidb])
	}
	return blockInfo{
		actualSeqlenQ: q,
		seqlenKCache:  kc,
		actualSeqlenK: kc + seqlenNew,
	}
}

// keyTileRange returns the half-open key-tile range [nMin, nMax) a query
// tile must visit, after clipping by the causal/local window. An empty
// range means every score of the tile is masked.
func (p *Params) keyTileRange(mBlock int, bi blockInfo) (nMin, nMax int) {
	nMax = ceilDiv(bi.actualSeqlenK, p.BlockN)
	if p.causal || p.local {
		limit := (mBlock+1)*p.BlockM + bi.actualSeqlenK - bi.actualSeqlenQ + p.wRight
		nMax = min(nMax, ceilDiv(max(limit, 0), p.BlockN))
	}
	if p.local && p.wLeft >= 0 {
		nMin = max(0, (mBlock*p.BlockM+bi.actualSeqlenK-bi.actualSeqlenQ-p.wLeft)/p.BlockN)
	}
	return nMin, nMax
}

// maskingSteps is how many leading key tiles (iterating from nMax-1
// downward) need explicit column-bound masking; the remainder of the
// walk is bound-free.
func (p *Params) maskingSteps() int {
	switch {
	case !p.causal && !p.local:
		return 1
	case p.evenMN && p.causal:
		return ceilDiv(p.BlockM, p.BlockN)
	default:
		return ceilDiv(p.BlockM, p.BlockN) + 1
	}
}
