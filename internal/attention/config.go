// Package attention implements blocked scaled dot-product attention with an
// online softmax: Output = softmax(scale·QKᵀ [causally masked]) V, computed
// one (batch, head, query block) work unit at a time without ever holding
// the full score matrix.
package attention

import (
	"errors"
	"fmt"
	"math"
	"runtime"
)

// Log2E converts a natural-base softmax scale into the base-2 scale the
// kernel exponentiates with: exp(x) == exp2(x·Log2E).
const Log2E = 1.4426950408889634

var (
	ErrInvalidBlockSize = errors.New("attention: invalid block size")
	ErrInvalidScale     = errors.New("attention: invalid scale")
	ErrShapeMismatch    = errors.New("attention: shape mismatch")
	ErrDegenerateMask   = errors.New("attention: query row has no unmasked keys")
	ErrUnsupportedDType = errors.New("attention: unsupported dtype")
)

// Config holds the kernel parameters.
type Config struct {
	// BlockM is the number of query rows per work unit.
	BlockM int
	// BlockN is the number of key/value rows streamed per iteration.
	BlockN int
	// Causal restricts query i to keys j <= i.
	Causal bool
	// Scale multiplies QKᵀ before the softmax. Zero selects 1/sqrt(dim).
	Scale float64
	// Log2Scaled reports that Scale already has log2(e) folded in, so the
	// kernel uses it for base-2 exponentials as is.
	Log2Scaled bool
	// Workers bounds the number of work units in flight. Zero selects
	// GOMAXPROCS.
	Workers int
}

// DefaultConfig returns 64x64 blocks, non-causal, default scale.
func DefaultConfig() Config {
	return Config{BlockM: 64, BlockN: 64}
}

func (c Config) Validate() error {
	if c.BlockM <= 0 || c.BlockN <= 0 {
		return fmt.Errorf("%w: block_M=%d block_N=%d must be positive", ErrInvalidBlockSize, c.BlockM, c.BlockN)
	}
	if c.Scale < 0 || math.IsNaN(c.Scale) || math.IsInf(c.Scale, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidScale, c.Scale)
	}
	if c.Workers < 0 {
		return fmt.Errorf("attention: workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// SoftmaxScale returns the natural-base scale applied to QKᵀ for head
// dimension dim.
func (c Config) SoftmaxScale(dim int) float64 {
	if c.Scale == 0 {
		return 1 / math.Sqrt(float64(dim))
	}
	if c.Log2Scaled {
		return c.Scale / Log2E
	}
	return c.Scale
}

// exp2Scale is the factor folded into the query tile so the recurrence can
// use exp2 throughout.
func (c Config) exp2Scale(dim int) float32 {
	if c.Log2Scaled && c.Scale != 0 {
		return float32(c.Scale)
	}
	return float32(c.SoftmaxScale(dim) * Log2E)
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return max(runtime.GOMAXPROCS(0), 1)
}
