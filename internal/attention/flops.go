package attention

import (
	"time"

	"github.com/samcharles93/flashmha/internal/tensor"
)

// FLOPs is the nominal floating point work of one attention pass: two
// [S,S,D] matmuls per (batch, head) at two flops per multiply-add, halved
// when causal because only the lower triangle is needed.
func FLOPs(shape tensor.Shape, causal bool) float64 {
	perMatmul := 2 * float64(shape.Batch) * float64(shape.Heads) * float64(shape.Seq) * float64(shape.Seq) * float64(shape.Dim)
	total := 2 * perMatmul
	if causal {
		total *= 0.5
	}
	return total
}

// TFLOPS converts a FLOP count and a latency into TFLOP/s.
func TFLOPS(flops float64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return flops / d.Seconds() * 1e-12
}
