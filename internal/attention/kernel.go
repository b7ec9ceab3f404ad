package attention

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/flashmha/internal/logger"
	"github.com/samcharles93/flashmha/internal/tensor"
)

// Stats counts the work done by one Run.
type Stats struct {
	// Units is the number of (batch, head, query block) work units written.
	Units int64 `json:"units"`
	// KeyBlocks is the number of key/value blocks folded into accumulators.
	KeyBlocks int64 `json:"key_blocks"`
	// MaskedBlocks is the number of key blocks that straddled the diagonal.
	MaskedBlocks int64 `json:"masked_blocks"`
	// SkippedBlocks is the number of fully future key blocks not visited.
	SkippedBlocks int64 `json:"skipped_blocks"`
}

func (s *Stats) add(o Stats) {
	s.Units += o.Units
	s.KeyBlocks += o.KeyBlocks
	s.MaskedBlocks += o.MaskedBlocks
	s.SkippedBlocks += o.SkippedBlocks
}

// Kernel runs blocked attention with a fixed configuration. It holds no
// per-call state and is safe for concurrent use.
type Kernel struct {
	cfg Config
}

// New validates cfg and returns a kernel for it.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Kernel{cfg: cfg}, nil
}

func (k *Kernel) Config() Config {
	return k.cfg
}

// pass is the read-only state shared by every work unit of one Run.
type pass struct {
	cfg     Config
	q, k, v *tensor.Tensor
	out     *tensor.Tensor
	qScale  float32
	blocks  int
}

func (p *pass) units() int {
	sh := p.q.Shape
	return sh.Batch * sh.Heads * p.blocks
}

// unit maps a flat index to a work unit; the query block varies fastest,
// then head, then batch.
func (p *pass) unit(idx int) workUnit {
	heads := p.q.Shape.Heads
	return workUnit{
		block: idx % p.blocks,
		head:  (idx / p.blocks) % heads,
		batch: idx / (p.blocks * heads),
	}
}

// Forward allocates an output with Q's shape and dtype and runs the kernel.
func (k *Kernel) Forward(ctx context.Context, q, kt, v *tensor.Tensor) (*tensor.Tensor, Stats, error) {
	if q == nil {
		return nil, Stats{}, fmt.Errorf("%w: nil query tensor", ErrShapeMismatch)
	}
	out, err := tensor.New(q.Shape, q.DType)
	if err != nil {
		return nil, Stats{}, err
	}
	stats, err := k.Run(ctx, q, kt, v, out)
	if err != nil {
		return nil, stats, err
	}
	return out, stats, nil
}

// Run computes attention over q, kt and v into out. All four tensors must
// share one shape. Only out is written, and only at rows belonging to
// completed work units.
func (k *Kernel) Run(ctx context.Context, q, kt, v, out *tensor.Tensor) (Stats, error) {
	if err := checkShapes(q, kt, v, out); err != nil {
		return Stats{}, err
	}
	p := &pass{
		cfg:    k.cfg,
		q:      q,
		k:      kt,
		v:      v,
		out:    out,
		qScale: k.cfg.exp2Scale(q.Shape.Dim),
		blocks: ceilDiv(q.Shape.Seq, k.cfg.BlockM),
	}

	log := logger.FromContext(ctx)
	start := time.Now()
	stats, err := k.schedule(ctx, p)
	if err != nil {
		return stats, err
	}
	log.Debug("attention pass complete",
		"shape", q.Shape.String(),
		"causal", k.cfg.Causal,
		"workers", min(k.cfg.workers(), p.units()),
		"units", stats.Units,
		"key_blocks", stats.KeyBlocks,
		"skipped_blocks", stats.SkippedBlocks,
		"elapsed", time.Since(start),
	)
	return stats, nil
}

// schedule fans work units out to a bounded set of workers. Each worker
// owns one workspace; units are independent, so the only ordering that
// matters is the key-block loop inside a unit.
func (k *Kernel) schedule(ctx context.Context, p *pass) (Stats, error) {
	n := p.units()
	workers := min(k.cfg.workers(), n)
	dim := p.q.Shape.Dim

	if workers <= 1 {
		ws := newWorkspace(k.cfg.BlockM, k.cfg.BlockN, dim)
		for idx := 0; idx < n; idx++ {
			if err := ctx.Err(); err != nil {
				return ws.stats, err
			}
			if err := ws.run(p, p.unit(idx)); err != nil {
				return ws.stats, err
			}
		}
		return ws.stats, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	tasks := make(chan int, workers*2)
	g.Go(func() error {
		defer close(tasks)
		for idx := 0; idx < n; idx++ {
			select {
			case tasks <- idx:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	spaces := make([]*workspace, workers)
	for w := range spaces {
		ws := newWorkspace(k.cfg.BlockM, k.cfg.BlockN, dim)
		spaces[w] = ws
		g.Go(func() error {
			for idx := range tasks {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := ws.run(p, p.unit(idx)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	var stats Stats
	for _, ws := range spaces {
		stats.add(ws.stats)
	}
	if err == nil && stats.Units < int64(n) {
		err = ctx.Err()
	}
	return stats, err
}

func checkShapes(q, k, v, out *tensor.Tensor) error {
	if q != nil {
		if err := q.Shape.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrShapeMismatch, err)
		}
	}
	for _, t := range []struct {
		name string
		t    *tensor.Tensor
	}{{"q", q}, {"k", k}, {"v", v}, {"output", out}} {
		if t.t == nil {
			return fmt.Errorf("%w: %s is nil", ErrShapeMismatch, t.name)
		}
		switch t.t.DType {
		case tensor.F32, tensor.F16, tensor.BF16:
		default:
			return fmt.Errorf("%w: %s has %s", ErrUnsupportedDType, t.name, t.t.DType)
		}
		if t.t.Shape != q.Shape {
			return fmt.Errorf("%w: %s is %s, q is %s", ErrShapeMismatch, t.name, t.t.Shape, q.Shape)
		}
		if !backed(t.t) {
			return fmt.Errorf("%w: %s storage does not cover %s", ErrShapeMismatch, t.name, t.t.Shape)
		}
	}
	return nil
}

func backed(t *tensor.Tensor) bool {
	n := t.Shape.Elements()
	if t.DType == tensor.F32 {
		return len(t.Data) == n
	}
	return len(t.Raw) == n*t.DType.Size()
}

// Forward runs a one-off kernel built from cfg.
func Forward(ctx context.Context, q, k, v *tensor.Tensor, cfg Config) (*tensor.Tensor, error) {
	kern, err := New(cfg)
	if err != nil {
		return nil, err
	}
	out, _, err := kern.Forward(ctx, q, k, v)
	return out, err
}
