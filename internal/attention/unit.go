package attention

import (
	"fmt"
	"math"

	"github.com/samcharles93/flashmha/internal/tensor"
)

var negInf = float32(math.Inf(-1))

// workUnit is one query block of one (batch, head) pair.
type workUnit struct {
	batch, head, block int
}

// blockKind says how a key block relates to a query block under the mask.
type blockKind uint8

const (
	// blockPast: every key precedes every query row, or there is no mask.
	blockPast blockKind = iota
	// blockDiagonal: some (row, key) pairs are in the future and get -Inf.
	blockDiagonal
	// blockFuture: every key is after every valid query row.
	blockFuture
)

// classifyBlock decides masking for the key block [k0, k0+kCols) against
// valid query rows [q0, q0+qRows).
func classifyBlock(q0, qRows, k0, kCols int, causal bool) blockKind {
	switch {
	case !causal:
		return blockPast
	case k0 > q0+qRows-1:
		return blockFuture
	case k0+kCols-1 > q0:
		return blockDiagonal
	default:
		return blockPast
	}
}

// keyBlockBound is the number of key blocks a query block starting at q0
// has to look at.
func keyBlockBound(q0, blockM, blockN, seq int, causal bool) int {
	n := ceilDiv(seq, blockN)
	if causal {
		n = min(n, ceilDiv(q0+blockM, blockN))
	}
	return n
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// workspace is the bounded per-worker working set: one query tile, one key
// tile, one value tile, the score tile, the output accumulator and the
// per-row statistics. It is reset at the start of every work unit.
type workspace struct {
	q, k, v tensor.Mat
	scores  tensor.Mat
	acc     tensor.Mat

	rowMax  []float32
	prevMax []float32
	rescale []float32
	rowSum  []float32
	logsum  []float32

	stats Stats
}

func newWorkspace(blockM, blockN, dim int) *workspace {
	return &workspace{
		q:       tensor.NewMat(blockM, dim),
		k:       tensor.NewMat(blockN, dim),
		v:       tensor.NewMat(blockN, dim),
		scores:  tensor.NewMat(blockM, blockN),
		acc:     tensor.NewMat(blockM, dim),
		rowMax:  make([]float32, blockM),
		prevMax: make([]float32, blockM),
		rescale: make([]float32, blockM),
		rowSum:  make([]float32, blockM),
		logsum:  make([]float32, blockM),
	}
}

func (w *workspace) reset() {
	for i := range w.rowMax {
		w.rowMax[i] = negInf
	}
	clear(w.logsum)
	w.acc.Zero()
}

// run computes one work unit and writes its rows of out.
func (w *workspace) run(p *pass, u workUnit) error {
	cfg := p.cfg
	seq := p.q.Shape.Seq
	q0 := u.block * cfg.BlockM

	qRows := p.q.LoadTile(&w.q, u.batch, q0, u.head)
	w.q.Scale(p.qScale)
	w.reset()

	bound := keyBlockBound(q0, cfg.BlockM, cfg.BlockN, seq, cfg.Causal)
	w.stats.SkippedBlocks += int64(ceilDiv(seq, cfg.BlockN) - bound)
	for kb := 0; kb < bound; kb++ {
		k0 := kb * cfg.BlockN
		kCols := min(cfg.BlockN, seq-k0)
		kind := classifyBlock(q0, qRows, k0, kCols, cfg.Causal)
		if kind == blockFuture {
			w.stats.SkippedBlocks++
			continue
		}
		w.stats.KeyBlocks++

		p.k.LoadTile(&w.k, u.batch, k0, u.head)
		p.v.LoadTile(&w.v, u.batch, k0, u.head)

		tensor.GemmNT(&w.scores, &w.q, &w.k)
		if kind == blockDiagonal {
			w.stats.MaskedBlocks++
			maskFuture(&w.scores, q0, k0)
		}
		if kCols < cfg.BlockN {
			maskColumns(&w.scores, kCols)
		}
		w.accumulate()
	}

	if err := w.normalize(u, q0, qRows); err != nil {
		return err
	}
	p.out.StoreTile(&w.acc, u.batch, q0, u.head, qRows)
	w.stats.Units++
	return nil
}

// normalize divides each valid accumulator row by its running sum. A zero
// sum means the row never saw an unmasked key.
func (w *workspace) normalize(u workUnit, q0, qRows int) error {
	for i := 0; i < qRows; i++ {
		l := w.logsum[i]
		if l == 0 {
			return fmt.Errorf("%w: batch %d head %d position %d", ErrDegenerateMask, u.batch, u.head, q0+i)
		}
		inv := 1 / l
		row := w.acc.Row(i)
		for j := range row {
			row[j] *= inv
		}
	}
	return nil
}

// accumulate folds the current score tile into the running statistics and
// the output accumulator. On return, for every row,
// acc[i]/logsum[i] is the attention output over all keys seen so far.
func (w *workspace) accumulate() {
	copy(w.prevMax, w.rowMax)
	tensor.RowMax(w.rowMax, &w.scores)

	for i, m := range w.rowMax {
		if m == negInf {
			// Nothing unmasked yet: the accumulator is still zero and
			// exp2(-Inf - -Inf) would be NaN.
			w.rescale[i] = 1
			continue
		}
		w.rescale[i] = exp2(w.prevMax[i] - m)
	}
	tensor.ScaleRows(&w.acc, w.rescale)

	for i, m := range w.rowMax {
		row := w.scores.Row(i)
		if m == negInf {
			clear(row)
			continue
		}
		for j, s := range row {
			row[j] = exp2(s - m)
		}
	}
	tensor.GemmAcc(&w.acc, &w.scores, &w.v)

	tensor.RowSum(w.rowSum, &w.scores)
	for i := range w.logsum {
		w.logsum[i] = w.logsum[i]*w.rescale[i] + w.rowSum[i]
	}
}

// maskFuture sets S[i,j] to -Inf where key k0+j comes after query q0+i.
func maskFuture(s *tensor.Mat, q0, k0 int) {
	for i := 0; i < s.R; i++ {
		row := s.Row(i)
		first := max(q0+i-k0+1, 0)
		for j := first; j < len(row); j++ {
			row[j] = negInf
		}
	}
}

// maskColumns hides the padding columns of a partial key block.
func maskColumns(s *tensor.Mat, valid int) {
	for i := 0; i < s.R; i++ {
		row := s.Row(i)
		for j := valid; j < len(row); j++ {
			row[j] = negInf
		}
	}
}

func exp2(x float32) float32 {
	return float32(math.Exp2(float64(x)))
}
