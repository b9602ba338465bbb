package attention

// scoreMask applies the causal/local column bounds, out-of-range key
// masking and the ALiBi bias to one raw score tile before it reaches the
// softmax state. Scores are unscaled here, so the ALiBi slope arrives
// pre-divided by the softmax scale.
type scoreMask struct {
	seqlenQ, seqlenK int
	wLeft, wRight    int
	slope            float32
	causal, local    bool
	alibi            bool
	evenMN           bool
}

func (p *Params) mask(bidb, bidh int, bi blockInfo) scoreMask {
	return scoreMask{
		seqlenQ: bi.actualSeqlenQ,
		seqlenK: bi.actualSeqlenK,
		wLeft:   p.wLeft,
		wRight:  p.wRight,
		slope:   p.slope(bidb, bidh),
		causal:  p.causal,
		local:   p.local,
		alibi:   p.alibi,
		evenMN:  p.evenMN,
	}
}

// apply masks a rows×cols score tile whose top-left element sits at the
// absolute coordinates (rowBase, colBase). masking selects the strict
// variant used on the leading key tiles: causal bounds and out-of-range
// columns are enforced there, while later tiles only need the local
// window (whose left edge can cut into any tile) and the ALiBi bias.
func (m *scoreMask) apply(scores []float32, ld, rows, cols, rowBase, colBase int, masking bool) {
	bounds := m.local || (masking && m.causal)
	oob := masking && !bounds && !m.evenMN
	if !bounds && !oob && !m.alibi {
		return
	}
	for i := range rows {
		// Key column aligned with this query row.
		rowRef := rowBase + i + m.seqlenK - m.seqlenQ
		row := scores[i*ld : i*ld+cols]

		if m.alibi {
			for j := range cols {
				d := rowRef - (colBase + j)
				if d < 0 {
					d = -d
				}
				row[j] -= m.slope * float32(d)
			}
		}
		if !bounds && !oob {
			continue
		}
		limitRight := m.seqlenK
		if bounds {
			limitRight = min(m.seqlenK, rowRef+1+m.wRight)
		}
		limitLeft := 0
		if m.local && m.wLeft >= 0 {
			limitLeft = rowRef - m.wLeft
		}
		for j := range cols {
			col := colBase + j
			if col >= limitRight || col < limitLeft {
				row[j] = negInf
			}
		}
	}
}
