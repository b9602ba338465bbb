// Package api exposes the attention kernels over HTTP for remote
// benchmarking and integration testing.
package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/streamattn/streamattn/internal/attention"
	"github.com/streamattn/streamattn/internal/logger"
	"github.com/streamattn/streamattn/internal/tensor"
	"github.com/streamattn/streamattn/internal/version"
)

type Server struct {
	log   logger.Logger
	clock func() time.Time

	// BlockM/BlockN are the tile sizes used when a request leaves its
	// block_m/block_n fields zero. Zero here falls through to the
	// kernel defaults.
	BlockM int
	BlockN int
}

func NewServer(log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{log: log, clock: time.Now}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/attention", s.handleAttention)
	e.GET("/v1/version", s.handleVersion)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(c *echo.Context) error {
	info := version.Resolve()
	return writeJSON(c, http.StatusOK, VersionResponse{
		Version:    info.Version,
		Commit:     info.Commit,
		CPUFeature: tensor.CPUFeature(),
	})
}

func (s *Server) handleAttention(c *echo.Context) error {
	req, err := decodeJSON[AttentionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := checkShapes(&req); err != nil {
		return writeBadRequest(c, err.Error())
	}

	p := s.buildParams(&req)
	id := "attn-" + uuid.NewString()
	start := s.clock()

	kernel := "forward"
	ctx := c.Request().Context()
	if req.NumSplits > 0 {
		kernel = "splitkv"
		sp := &attention.SplitParams{Params: *p, NumSplits: req.NumSplits}
		err = attention.ForwardSplitKV(ctx, sp)
		p = &sp.Params
	} else {
		err = attention.Forward(ctx, p)
	}
	if err != nil {
		// The kernels validate before running; anything they reject is
		// a caller problem, not a server fault.
		return writeBadRequest(c, err.Error())
	}
	elapsed := s.clock().Sub(start)

	s.log.Debug("attention request served",
		"id", id, "kernel", kernel,
		"batch", req.Batch, "heads", req.Heads,
		"seqlen_q", req.SeqlenQ, "seqlen_k", req.SeqlenK,
		"duration", elapsed)

	return writeJSON(c, http.StatusOK, AttentionResponse{
		ID:         id,
		Kernel:     kernel,
		Shape:      [4]int{req.Batch, req.Heads, req.SeqlenQ, req.HeadDim},
		Output:     p.O.Data,
		LSE:        p.LSE,
		DurationMs: float64(elapsed) / float64(time.Millisecond),
	})
}

func checkShapes(req *AttentionRequest) error {
	if req.HeadsKV == 0 {
		req.HeadsKV = req.Heads
	}
	if req.Batch <= 0 || req.Heads <= 0 || req.SeqlenQ <= 0 || req.SeqlenK <= 0 || req.HeadDim <= 0 {
		return newInvalidRequest("batch, heads, seqlen_q, seqlen_k and head_dim must be positive")
	}
	if want := req.Batch * req.Heads * req.SeqlenQ * req.HeadDim; len(req.Q) != want {
		return newInvalidRequest("q length does not match batch*heads*seqlen_q*head_dim")
	}
	wantKV := req.Batch * req.HeadsKV * req.SeqlenK * req.HeadDim
	if len(req.K) != wantKV || len(req.V) != wantKV {
		return newInvalidRequest("k/v length does not match batch*heads_kv*seqlen_k*head_dim")
	}
	return nil
}

func (s *Server) buildParams(req *AttentionRequest) *attention.Params {
	blockM, blockN := req.BlockM, req.BlockN
	if blockM == 0 {
		blockM = s.BlockM
	}
	if blockN == 0 {
		blockN = s.BlockN
	}
	qShape := [4]int{req.Batch, req.Heads, req.SeqlenQ, req.HeadDim}
	kvShape := [4]int{req.Batch, req.HeadsKV, req.SeqlenK, req.HeadDim}

	p := &attention.Params{
		Q:            tensor.View(req.Q, qShape, contiguous(qShape)),
		K:            tensor.View(req.K, kvShape, contiguous(kvShape)),
		V:            tensor.View(req.V, kvShape, contiguous(kvShape)),
		O:            tensor.New(req.Batch, req.Heads, req.SeqlenQ, req.HeadDim),
		LSE:          make([]float32, req.Batch*req.Heads*req.SeqlenQ),
		Batch:        req.Batch,
		Heads:        req.Heads,
		HeadsKV:      req.HeadsKV,
		SeqlenQ:      req.SeqlenQ,
		SeqlenK:      req.SeqlenK,
		HeadDim:      req.HeadDim,
		SeqlensQ:     req.SeqlensQ,
		SeqlensK:     req.SeqlensK,
		Scale:        req.Scale,
		Causal:       req.Causal,
		AlibiSlopes:  req.AlibiSlopes,
		DropoutP:     req.DropoutP,
		PhiloxSeed:   req.PhiloxSeed,
		PhiloxOffset: req.PhiloxOffset,
		BlockM:       blockM,
		BlockN:       blockN,
	}
	p.WindowLeft, p.WindowRight = -1, -1
	if req.WindowLeft != nil {
		p.WindowLeft = *req.WindowLeft
	}
	if req.WindowRight != nil {
		p.WindowRight = *req.WindowRight
	}
	return p
}

func contiguous(shape [4]int) [4]int {
	return [4]int{shape[1] * shape[2] * shape[3], shape[2] * shape[3], shape[3], 1}
}
