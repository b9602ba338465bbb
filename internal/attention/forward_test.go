package attention

import (
	"context"
	"math"
	"testing"

	"github.com/streamattn/streamattn/internal/tensor"
)

type forwardCase struct {
	name    string
	batch   int
	heads   int
	headsKV int
	seqQ    int
	seqK    int
	headDim int
	blockM  int
	blockN  int
	causal  bool
	wLeft   int
	wRight  int
	alibi   bool
	ragged  bool
}

func (tc forwardCase) params() *Params {
	p := &Params{
		Q:           newTestTensor(tc.batch, tc.heads, tc.seqQ, tc.headDim, 0.11),
		K:           newTestTensor(tc.batch, tc.headsKV, tc.seqK, tc.headDim, 0.07),
		V:           newTestTensor(tc.batch, tc.headsKV, tc.seqK, tc.headDim, 0.09),
		O:           tensor.New(tc.batch, tc.heads, tc.seqQ, tc.headDim),
		LSE:         make([]float32, tc.batch*tc.heads*tc.seqQ),
		Batch:       tc.batch,
		Heads:       tc.heads,
		HeadsKV:     tc.headsKV,
		SeqlenQ:     tc.seqQ,
		SeqlenK:     tc.seqK,
		HeadDim:     tc.headDim,
		Causal:      tc.causal,
		WindowLeft:  tc.wLeft,
		WindowRight: tc.wRight,
		BlockM:      tc.blockM,
		BlockN:      tc.blockN,
	}
	if tc.alibi {
		p.AlibiSlopes = make([]float32, tc.heads)
		for h := range p.AlibiSlopes {
			p.AlibiSlopes[h] = 0.5 / float32(int(1)<<h)
		}
	}
	if tc.ragged {
		p.SeqlensQ = make([]int32, tc.batch)
		p.SeqlensK = make([]int32, tc.batch)
		for b := range tc.batch {
			p.SeqlensQ[b] = int32(tc.seqQ - 1 - 3*b)
			p.SeqlensK[b] = int32(tc.seqK - 2 - 5*b)
		}
	}
	return p
}

func checkAgainstReference(t *testing.T, p *Params, tol float32) {
	t.Helper()
	if err := Forward(context.Background(), p); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	wantO, wantLSE := refForward(p)
	gotO := flatten(p.O, p.Batch, p.Heads, p.SeqlenQ, p.HeadDim, p.SeqlensQ)
	compareSlices(t, gotO, wantO, tol)
	compareSlices(t, p.LSE, wantLSE, tol)
}

func TestForwardMatchesReference(t *testing.T) {
	cases := []forwardCase{
		{name: "full", batch: 2, heads: 4, headsKV: 2, seqQ: 37, seqK: 53, headDim: 8, blockM: 16, blockN: 16},
		{name: "aligned", batch: 1, heads: 2, headsKV: 2, seqQ: 64, seqK: 64, headDim: 16, blockM: 32, blockN: 16},
		{name: "causal", batch: 2, heads: 4, headsKV: 4, seqQ: 45, seqK: 45, headDim: 8, blockM: 16, blockN: 8, causal: true},
		{name: "causal shorter q", batch: 1, heads: 2, headsKV: 1, seqQ: 13, seqK: 40, headDim: 8, blockM: 8, blockN: 8, causal: true},
		{name: "causal longer q", batch: 1, heads: 2, headsKV: 1, seqQ: 40, seqK: 13, headDim: 8, blockM: 8, blockN: 8, causal: true},
		{name: "local window", batch: 2, heads: 2, headsKV: 2, seqQ: 33, seqK: 47, headDim: 8, blockM: 16, blockN: 8, wLeft: 9, wRight: 3},
		{name: "left only window", batch: 1, heads: 2, headsKV: 2, seqQ: 29, seqK: 29, headDim: 8, blockM: 8, blockN: 8, wLeft: 6, wRight: -1},
		{name: "alibi", batch: 2, heads: 4, headsKV: 2, seqQ: 31, seqK: 41, headDim: 8, blockM: 16, blockN: 16, alibi: true},
		{name: "alibi causal", batch: 1, heads: 4, headsKV: 4, seqQ: 26, seqK: 26, headDim: 8, blockM: 8, blockN: 8, causal: true, alibi: true},
		{name: "ragged", batch: 3, heads: 2, headsKV: 2, seqQ: 35, seqK: 50, headDim: 8, blockM: 16, blockN: 16, ragged: true},
		{name: "ragged causal", batch: 2, heads: 2, headsKV: 1, seqQ: 24, seqK: 32, headDim: 8, blockM: 8, blockN: 8, causal: true, ragged: true},
		{name: "single tile", batch: 1, heads: 1, headsKV: 1, seqQ: 5, seqK: 7, headDim: 4, blockM: 16, blockN: 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checkAgainstReference(t, tc.params(), 3e-3)
		})
	}
}

func TestForwardCausalIgnoresFutureKeys(t *testing.T) {
	tc := forwardCase{batch: 1, heads: 2, headsKV: 2, seqQ: 24, seqK: 24, headDim: 8, blockM: 8, blockN: 8, causal: true}
	base := tc.params()
	if err := Forward(context.Background(), base); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	poisoned := tc.params()
	// Rows a query may never see get garbage; results must not move.
	for h := range tc.headsKV {
		for r := 12; r < tc.seqK; r++ {
			row := poisoned.K.Row(0, h, r)
			for j := range row {
				row[j] = 1e9
			}
		}
	}
	if err := Forward(context.Background(), poisoned); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	// Queries 0..11 only attend keys 0..11.
	for h := range tc.heads {
		for r := range 12 {
			a := base.O.Row(0, h, r)
			b := poisoned.O.Row(0, h, r)
			compareSlices(t, b, a, 0)
		}
	}
}

func TestForwardEmptyKeyRangeSentinel(t *testing.T) {
	// With seqK < seqQ under causal masking, leading query rows align
	// before the first key and see nothing at all.
	tc := forwardCase{batch: 1, heads: 1, headsKV: 1, seqQ: 8, seqK: 4, headDim: 4, blockM: 4, blockN: 4, causal: true}
	p := tc.params()
	if err := Forward(context.Background(), p); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for r := range 4 {
		if !math.IsInf(float64(p.LSE[r]), 1) {
			t.Fatalf("row %d: LSE = %v, want +Inf", r, p.LSE[r])
		}
		for _, v := range p.O.Row(0, 0, r) {
			if v != 0 {
				t.Fatalf("row %d: output %v, want zero", r, v)
			}
		}
	}
	for r := 4; r < 8; r++ {
		if math.IsInf(float64(p.LSE[r]), 0) {
			t.Fatalf("row %d: LSE = %v, want finite", r, p.LSE[r])
		}
	}
}

func TestForwardDropoutMatchesReference(t *testing.T) {
	tc := forwardCase{batch: 2, heads: 2, headsKV: 2, seqQ: 40, seqK: 48, headDim: 8, blockM: 16, blockN: 16}
	p := tc.params()
	p.DropoutP = 0.25
	p.PhiloxSeed = 0x1234_5678_9abc_def0
	p.PhiloxOffset = 7
	checkAgainstReference(t, p, 3e-3)
}

func TestForwardDropoutDeterministic(t *testing.T) {
	tc := forwardCase{batch: 1, heads: 2, headsKV: 2, seqQ: 32, seqK: 32, headDim: 8, blockM: 16, blockN: 16}
	run := func(seed, offset uint64, blockM, blockN int) []float32 {
		p := tc.params()
		p.DropoutP = 0.4
		p.PhiloxSeed = seed
		p.PhiloxOffset = offset
		p.BlockM, p.BlockN = blockM, blockN
		if err := Forward(context.Background(), p); err != nil {
			t.Fatalf("Forward: %v", err)
		}
		return flatten(p.O, p.Batch, p.Heads, p.SeqlenQ, p.HeadDim, nil)
	}

	a := run(42, 0, 16, 16)
	b := run(42, 0, 16, 16)
	compareSlices(t, b, a, 0)

	// The mask hangs off absolute coordinates, not the tiling.
	c := run(42, 0, 8, 8)
	compareSlices(t, c, a, 1e-3)

	d := run(43, 0, 16, 16)
	same := true
	for i := range a {
		if a[i] != d[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds produced identical outputs")
	}
}

func TestForwardReturnProbs(t *testing.T) {
	// With a single key tile the stored probabilities are the final
	// exponentials, so normalizing them by their row sum and applying V
	// must reproduce the output exactly.
	tc := forwardCase{batch: 1, heads: 2, headsKV: 2, seqQ: 12, seqK: 16, headDim: 8, blockM: 16, blockN: 16}
	p := tc.params()
	p.ReturnProbs = true
	p.Probs = make([]float32, tc.batch*tc.heads*16*16)
	if err := Forward(context.Background(), p); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	for h := range tc.heads {
		for r := range tc.seqQ {
			var sum float64
			for c := range tc.seqK {
				v := p.Probs[(h*16+r)*16+c]
				if v < 0 {
					t.Fatalf("negative probability without dropout at (%d,%d,%d)", h, r, c)
				}
				sum += float64(v)
			}
			if sum <= 0 || math.IsInf(sum, 0) || math.IsNaN(sum) {
				t.Fatalf("row (%d,%d): bad probability mass %v", h, r, sum)
			}
			want := make([]float32, tc.headDim)
			for c := range tc.seqK {
				w := float64(p.Probs[(h*16+r)*16+c]) / sum
				vRow := p.V.Row(0, h, c)
				for j := range want {
					want[j] += float32(w * float64(vRow[j]))
				}
			}
			compareSlices(t, p.O.Row(0, h, r), want, 1e-4)
		}
	}
}

func TestForwardReturnProbsDropoutSigns(t *testing.T) {
	tc := forwardCase{batch: 1, heads: 2, headsKV: 2, seqQ: 32, seqK: 64, headDim: 8, blockM: 16, blockN: 16}
	p := tc.params()
	p.DropoutP = 0.3
	p.PhiloxSeed = 99
	p.ReturnProbs = true
	p.Probs = make([]float32, tc.batch*tc.heads*32*64)
	if err := Forward(context.Background(), p); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	dropped, total := 0, 0
	for h := range tc.heads {
		rng := p.dropout(0, h)
		for r := range tc.seqQ {
			for c := range tc.seqK {
				v := p.Probs[(h*32+r)*64+c]
				draw := rng.draws(r, c/4)
				kept := draw[c%4] <= rng.threshold
				if kept && v < 0 {
					t.Fatalf("(%d,%d,%d): kept entry is negative", h, r, c)
				}
				if !kept && v > 0 {
					t.Fatalf("(%d,%d,%d): dropped entry is positive", h, r, c)
				}
				total++
				if v < 0 {
					dropped++
				}
			}
		}
	}
	rate := float64(dropped) / float64(total)
	if rate < 0.25 || rate > 0.35 {
		t.Fatalf("drop rate %.3f, want about 0.30", rate)
	}
}

func TestForwardHalfPrecisionClose(t *testing.T) {
	tc := forwardCase{batch: 1, heads: 2, headsKV: 2, seqQ: 33, seqK: 47, headDim: 16, blockM: 16, blockN: 16}
	full := tc.params()
	if err := Forward(context.Background(), full); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	half := tc.params()
	half.DType = F16
	if err := Forward(context.Background(), half); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	a := flatten(full.O, 1, 2, tc.seqQ, tc.headDim, nil)
	b := flatten(half.O, 1, 2, tc.seqQ, tc.headDim, nil)
	compareSlices(t, b, a, 2e-2)
}

func TestForwardDefaultScale(t *testing.T) {
	tc := forwardCase{batch: 1, heads: 1, headsKV: 1, seqQ: 8, seqK: 8, headDim: 16, blockM: 8, blockN: 8}
	p := tc.params()
	if err := Forward(context.Background(), p); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := float32(1 / math.Sqrt(16))
	if p.Scale != want {
		t.Fatalf("default scale %v, want %v", p.Scale, want)
	}
}

func BenchmarkForward(b *testing.B) {
	tc := forwardCase{batch: 1, heads: 8, headsKV: 8, seqQ: 512, seqK: 512, headDim: 64, blockM: 64, blockN: 64, causal: true}
	p := tc.params()
	ctx := context.Background()
	b.ResetTimer()
	for range b.N {
		if err := Forward(ctx, p); err != nil {
			b.Fatal(err)
		}
	}
}
