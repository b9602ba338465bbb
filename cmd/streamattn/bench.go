package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/streamattn/streamattn/internal/attention"
	"github.com/streamattn/streamattn/internal/logger"
	"github.com/streamattn/streamattn/internal/tensor"
)

type benchShape struct {
	Name    string `json:"name"`
	Batch   int    `json:"batch"`
	Heads   int    `json:"heads"`
	SeqlenQ int    `json:"seqlen_q"`
	SeqlenK int    `json:"seqlen_k"`
	HeadDim int    `json:"head_dim"`
	Causal  bool   `json:"causal"`
	Splits  int    `json:"splits"`
}

type benchResult struct {
	benchShape
	AvgMs    float64 `json:"avg_ms"`
	BestMs   float64 `json:"best_ms"`
	GFlops   float64 `json:"gflops"`
	RowsPerS float64 `json:"rows_per_s"`
}

// benchPresets covers prefill (square causal) and decode (short query
// against a long cache, split across workers) shapes.
var benchPresets = []benchShape{
	{Name: "prefill-512", Batch: 1, Heads: 8, SeqlenQ: 512, SeqlenK: 512, HeadDim: 64, Causal: true},
	{Name: "prefill-2k", Batch: 1, Heads: 8, SeqlenQ: 2048, SeqlenK: 2048, HeadDim: 64, Causal: true},
	{Name: "prefill-2k-d128", Batch: 1, Heads: 8, SeqlenQ: 2048, SeqlenK: 2048, HeadDim: 128, Causal: true},
	{Name: "decode-4k", Batch: 1, Heads: 32, SeqlenQ: 1, SeqlenK: 4096, HeadDim: 128, Causal: true, Splits: 0},
	{Name: "decode-16k", Batch: 1, Heads: 32, SeqlenQ: 1, SeqlenK: 16384, HeadDim: 128, Causal: true, Splits: 0},
	{Name: "batch-decode", Batch: 8, Heads: 32, SeqlenQ: 1, SeqlenK: 4096, HeadDim: 128, Causal: true, Splits: 0},
}

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		jsonOut    string
	)

	flags := append(append(loggingFlags(), kernelFlags()...),
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs per shape",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of timed runs per shape",
			Value:       5,
			Destination: &benchRuns,
		},
		&cli.StringFlag{
			Name:        "json",
			Usage:       "write results to a JSON file",
			Destination: &jsonOut,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Run standardized kernel benchmarks",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyBenchConfig(cmd, cfg, &warmupRuns, &benchRuns)
			ctx, log := setupLogger(ctx, cfg)

			fmt.Println("=== streamattn bench ===")
			fmt.Printf("CPUs:        %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS:  %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("CPU feature: %s\n", tensor.CPUFeature())
			fmt.Printf("Warmup:      %d runs\n", warmupRuns)
			fmt.Printf("Runs:        %d\n", benchRuns)
			fmt.Println()

			results := make([]benchResult, 0, len(benchPresets))
			for _, shape := range benchPresets {
				r, err := benchOne(ctx, log, shape, int(warmupRuns), int(benchRuns))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %s: %v", shape.Name, err), 1)
				}
				results = append(results, r)
			}

			fmt.Printf("%-16s %6s %6s %7s %7s %5s %10s %10s %12s\n",
				"Shape", "Batch", "Heads", "SeqQ", "SeqK", "Dim", "Avg ms", "Best ms", "GFLOP/s")
			for _, r := range results {
				fmt.Printf("%-16s %6d %6d %7d %7d %5d %10.3f %10.3f %12.1f\n",
					r.Name, r.Batch, r.Heads, r.SeqlenQ, r.SeqlenK, r.HeadDim,
					r.AvgMs, r.BestMs, r.GFlops)
			}

			if jsonOut != "" {
				b, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(jsonOut, b, 0o644); err != nil {
					return err
				}
				log.Info("wrote benchmark report", "path", jsonOut)
			}
			return nil
		},
	}
}

func benchOne(ctx context.Context, log logger.Logger, shape benchShape, warmup, runs int) (benchResult, error) {
	log.Info("benchmarking", "shape", shape.Name)

	p := benchParams(shape)
	run := func() error {
		if shape.SeqlenQ <= 8 {
			sp := &attention.SplitParams{Params: *p, NumSplits: shape.Splits}
			return attention.ForwardSplitKV(ctx, sp)
		}
		return attention.Forward(ctx, p)
	}

	for i := 0; i < warmup; i++ {
		if err := run(); err != nil {
			return benchResult{}, err
		}
	}

	var total time.Duration
	best := time.Duration(1<<62 - 1)
	for i := 0; i < runs; i++ {
		start := time.Now()
		if err := run(); err != nil {
			return benchResult{}, err
		}
		d := time.Since(start)
		total += d
		if d < best {
			best = d
		}
	}

	avg := total / time.Duration(runs)
	// Two matmuls per tile pair, 2 flops per MAC each.
	flops := 4.0 * float64(shape.Batch) * float64(shape.Heads) *
		float64(shape.SeqlenQ) * float64(shape.SeqlenK) * float64(shape.HeadDim)
	if shape.Causal && shape.SeqlenQ == shape.SeqlenK {
		flops /= 2
	}
	rows := float64(shape.Batch * shape.Heads * shape.SeqlenQ)
	return benchResult{
		benchShape: shape,
		AvgMs:      float64(avg) / float64(time.Millisecond),
		BestMs:     float64(best) / float64(time.Millisecond),
		GFlops:     flops / avg.Seconds() / 1e9,
		RowsPerS:   rows / avg.Seconds(),
	}, nil
}

func benchParams(shape benchShape) *attention.Params {
	qn := shape.Batch * shape.Heads * shape.SeqlenQ * shape.HeadDim
	kn := shape.Batch * shape.Heads * shape.SeqlenK * shape.HeadDim
	fill := func(n int) []float32 {
		data := make([]float32, n)
		for i := range data {
			data[i] = 0.01 * float32((i%31)-15)
		}
		return data
	}
	qShape := [4]int{shape.Batch, shape.Heads, shape.SeqlenQ, shape.HeadDim}
	kvShape := [4]int{shape.Batch, shape.Heads, shape.SeqlenK, shape.HeadDim}
	stride := func(s [4]int) [4]int {
		return [4]int{s[1] * s[2] * s[3], s[2] * s[3], s[3], 1}
	}
	return &attention.Params{
		Q:           tensor.View(fill(qn), qShape, stride(qShape)),
		K:           tensor.View(fill(kn), kvShape, stride(kvShape)),
		V:           tensor.View(fill(kn), kvShape, stride(kvShape)),
		O:           tensor.New(shape.Batch, shape.Heads, shape.SeqlenQ, shape.HeadDim),
		LSE:         make([]float32, shape.Batch*shape.Heads*shape.SeqlenQ),
		Batch:       shape.Batch,
		Heads:       shape.Heads,
		HeadsKV:     shape.Heads,
		SeqlenQ:     shape.SeqlenQ,
		SeqlenK:     shape.SeqlenK,
		HeadDim:     shape.HeadDim,
		Causal:      shape.Causal,
		WindowLeft:  -1,
		WindowRight: -1,
		BlockM:      int(blockM),
		BlockN:      int(blockN),
	}
}
