package api

// AttentionRequest is the wire form of one attention invocation. Tensors
// arrive flattened row-major as (batch, heads, seq, head_dim); optional
// fields follow the kernel's zero-value defaults.
type AttentionRequest struct {
	Batch   int `json:"batch"`
	Heads   int `json:"heads"`
	HeadsKV int `json:"heads_kv,omitempty"`
	SeqlenQ int `json:"seqlen_q"`
	SeqlenK int `json:"seqlen_k"`
	HeadDim int `json:"head_dim"`

	Q []float32 `json:"q"`
	K []float32 `json:"k"`
	V []float32 `json:"v"`

	SeqlensQ []int32 `json:"seqlens_q,omitempty"`
	SeqlensK []int32 `json:"seqlens_k,omitempty"`

	Scale       float32   `json:"scale,omitempty"`
	Causal      bool      `json:"causal,omitempty"`
	WindowLeft  *int      `json:"window_left,omitempty"`
	WindowRight *int      `json:"window_right,omitempty"`
	AlibiSlopes []float32 `json:"alibi_slopes,omitempty"`

	DropoutP     float32 `json:"dropout_p,omitempty"`
	PhiloxSeed   uint64  `json:"philox_seed,omitempty"`
	PhiloxOffset uint64  `json:"philox_offset,omitempty"`

	NumSplits int `json:"num_splits,omitempty"`
	BlockM    int `json:"block_m,omitempty"`
	BlockN    int `json:"block_n,omitempty"`
}

// AttentionResponse carries the flattened output tensor, the per-row
// log-sum-exp values and basic accounting.
type AttentionResponse struct {
	ID         string    `json:"id"`
	Kernel     string    `json:"kernel"`
	Shape      [4]int    `json:"shape"`
	Output     []float32 `json:"output"`
	LSE        []float32 `json:"lse"`
	DurationMs float64   `json:"duration_ms"`
}

// ResponseError is the error envelope on every non-2xx reply.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// VersionResponse reports build and kernel configuration details.
type VersionResponse struct {
	Version    string `json:"version"`
	Commit     string `json:"commit,omitempty"`
	CPUFeature string `json:"cpu_feature"`
}
