package api

import (
	"github.com/samcharles93/flashmha/internal/attention"
	"github.com/samcharles93/flashmha/internal/tensor"
)

// AttentionRequest carries Q, K and V flattened in [B, S, H, D] order.
type AttentionRequest struct {
	Shape  tensor.Shape `json:"shape"`
	DType  string       `json:"dtype,omitempty"`
	Causal bool         `json:"causal,omitempty"`
	Scale  float64      `json:"scale,omitempty"`
	BlockM int          `json:"block_m,omitempty"`
	BlockN int          `json:"block_n,omitempty"`
	Q      []float32    `json:"q"`
	K      []float32    `json:"k"`
	V      []float32    `json:"v"`
	Store  *bool        `json:"store,omitempty"`
}

type AttentionResult struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"`
	CreatedAt int64           `json:"created_at"`
	Shape     tensor.Shape    `json:"shape"`
	DType     string          `json:"dtype"`
	Causal    bool            `json:"causal"`
	Scale     float64         `json:"scale"`
	BlockM    int             `json:"block_m"`
	BlockN    int             `json:"block_n"`
	Output    []float32       `json:"output"`
	Stats     attention.Stats `json:"stats"`
	ElapsedMS float64         `json:"elapsed_ms"`
	Stored    bool            `json:"stored"`
}

type DeleteResult struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Results int    `json:"results"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
