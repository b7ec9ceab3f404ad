// Package reference is the unblocked correctness oracle for the attention
// kernel: it materializes every score row in float64 and normalizes it in
// one shot, with no block-wise maximum tracking.
package reference

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/flashmha/internal/tensor"
)

var ErrShapeMismatch = errors.New("reference: shape mismatch")

// Attention computes softmax(scale·QKᵀ)V with natural-base exponentials.
// scale == 0 selects 1/sqrt(dim). The result is stored as F32.
func Attention(q, k, v *tensor.Tensor, causal bool, scale float64) (*tensor.Tensor, error) {
	if q == nil || k == nil || v == nil {
		return nil, fmt.Errorf("%w: nil input", ErrShapeMismatch)
	}
	if k.Shape != q.Shape || v.Shape != q.Shape {
		return nil, fmt.Errorf("%w: q %s k %s v %s", ErrShapeMismatch, q.Shape, k.Shape, v.Shape)
	}
	sh := q.Shape
	if scale == 0 {
		scale = 1 / math.Sqrt(float64(sh.Dim))
	}
	out, err := tensor.New(sh, tensor.F32)
	if err != nil {
		return nil, err
	}

	qf, kf, vf := q.Float32(), k.Float32(), v.Float32()
	scores := make([]float64, sh.Seq)
	acc := make([]float64, sh.Dim)
	for b := 0; b < sh.Batch; b++ {
		for h := 0; h < sh.Heads; h++ {
			for i := 0; i < sh.Seq; i++ {
				qi := qf[q.Index(b, i, h):][:sh.Dim]
				keys := sh.Seq
				if causal {
					keys = i + 1
				}
				mx := math.Inf(-1)
				for j := 0; j < keys; j++ {
					kj := kf[k.Index(b, j, h):][:sh.Dim]
					var s float64
					for d, x := range qi {
						s += float64(x) * float64(kj[d])
					}
					s *= scale
					scores[j] = s
					mx = math.Max(mx, s)
				}

				var sum float64
				clear(acc)
				for j := 0; j < keys; j++ {
					p := math.Exp(scores[j] - mx)
					sum += p
					vj := vf[v.Index(b, j, h):][:sh.Dim]
					for d, x := range vj {
						acc[d] += p * float64(x)
					}
				}
				base := out.Index(b, i, h)
				for d := range acc {
					out.Data[base+d] = float32(acc[d] / sum)
				}
			}
		}
	}
	return out, nil
}

// Report summarizes an element-wise comparison.
type Report struct {
	Total      int     `json:"total"`
	Mismatches int     `json:"mismatches"`
	MaxAbs     float64 `json:"max_abs_error"`
	MaxRel     float64 `json:"max_rel_error"`
	// Worst is the flat index with the largest absolute error.
	Worst int     `json:"worst_index"`
	Got   float64 `json:"worst_got"`
	Want  float64 `json:"worst_want"`
	RTol  float64 `json:"rtol"`
	ATol  float64 `json:"atol"`
}

func (r Report) OK() bool {
	return r.Mismatches == 0
}

func (r Report) String() string {
	return fmt.Sprintf("%d/%d mismatched (rtol=%g atol=%g), max abs %.3g, max rel %.3g, worst [%d] got %g want %g",
		r.Mismatches, r.Total, r.RTol, r.ATol, r.MaxAbs, r.MaxRel, r.Worst, r.Got, r.Want)
}

// Compare checks |got-want| <= atol + rtol·|want| element-wise. NaN in
// either side is a mismatch.
func Compare(got, want *tensor.Tensor, rtol, atol float64) (Report, error) {
	if got == nil || want == nil || got.Shape != want.Shape {
		return Report{}, fmt.Errorf("%w: cannot compare", ErrShapeMismatch)
	}
	g, w := got.Float32(), want.Float32()
	r := Report{Total: len(g), RTol: rtol, ATol: atol}
	for i := range g {
		a, b := float64(g[i]), float64(w[i])
		diff := math.Abs(a - b)
		if math.IsNaN(diff) {
			r.Mismatches++
			if !math.IsNaN(r.MaxAbs) {
				r.MaxAbs, r.Worst, r.Got, r.Want = math.NaN(), i, a, b
			}
			continue
		}
		if diff > atol+rtol*math.Abs(b) {
			r.Mismatches++
		}
		if rel := diff / math.Max(math.Abs(b), 1e-12); rel > r.MaxRel {
			r.MaxRel = rel
		}
		if diff > r.MaxAbs {
			r.MaxAbs, r.Worst, r.Got, r.Want = diff, i, a, b
		}
	}
	return r, nil
}

// AllClose reports whether got matches want within tolerance.
func AllClose(got, want *tensor.Tensor, rtol, atol float64) bool {
	r, err := Compare(got, want, rtol, atol)
	return err == nil && r.OK()
}
