package bench

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"github.com/samcharles93/flashmha/internal/attention"
	"github.com/samcharles93/flashmha/internal/logger"
	"github.com/samcharles93/flashmha/internal/reference"
	"github.com/samcharles93/flashmha/internal/tensor"
)

// DefaultShape is the benchmark problem used when no shape is given.
var DefaultShape = tensor.Shape{Batch: 1, Seq: 2048, Heads: 12, Dim: 64}

// Options describes one benchmark.
type Options struct {
	Shape  tensor.Shape
	DType  tensor.DType
	Kernel attention.Config
	Harness
	// Reference also times the float64 oracle.
	Reference bool
	// Check compares the kernel output against the oracle.
	Check bool
	RTol  float64
	ATol  float64
	Seed  uint64
}

// Report is the outcome of one benchmark.
type Report struct {
	ID        string       `json:"id"`
	CreatedAt time.Time    `json:"created_at"`
	Shape     tensor.Shape `json:"shape"`
	DType     string       `json:"dtype"`
	Causal    bool         `json:"causal"`
	BlockM    int          `json:"block_m"`
	BlockN    int          `json:"block_n"`
	Workers   int          `json:"workers"`
	Scale     float64      `json:"scale"`
	System    System       `json:"system"`

	FLOPs           float64           `json:"flops"`
	Kernel          Timing            `json:"kernel"`
	KernelTFLOPS    float64           `json:"kernel_tflops"`
	Stats           attention.Stats   `json:"stats"`
	Reference       *Timing           `json:"reference,omitempty"`
	ReferenceTFLOPS float64           `json:"reference_tflops,omitempty"`
	Accuracy        *reference.Report `json:"accuracy,omitempty"`
}

// Run builds seeded normal inputs and measures the kernel, and optionally
// the reference, on them.
func Run(ctx context.Context, opts Options) (*Report, error) {
	log := logger.FromContext(ctx)
	if err := opts.Shape.Validate(); err != nil {
		return nil, err
	}
	kern, err := attention.New(opts.Kernel)
	if err != nil {
		return nil, err
	}

	inputs := make([]*tensor.Tensor, 3)
	for i := range inputs {
		t, err := tensor.New(opts.Shape, opts.DType)
		if err != nil {
			return nil, err
		}
		t.FillNormal(opts.Seed + uint64(i))
		inputs[i] = t
	}
	q, k, v := inputs[0], inputs[1], inputs[2]
	out, err := tensor.New(opts.Shape, opts.DType)
	if err != nil {
		return nil, err
	}

	workers := opts.Kernel.Workers
	if workers == 0 {
		workers = SystemInfo().GOMAXPROCS
	}
	r := &Report{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Shape:     opts.Shape,
		DType:     opts.DType.String(),
		Causal:    opts.Kernel.Causal,
		BlockM:    opts.Kernel.BlockM,
		BlockN:    opts.Kernel.BlockN,
		Workers:   workers,
		Scale:     opts.Kernel.SoftmaxScale(opts.Shape.Dim),
		System:    SystemInfo(),
		FLOPs:     attention.FLOPs(opts.Shape, opts.Kernel.Causal),
	}

	log.Info("benchmarking kernel", "id", r.ID, "shape", opts.Shape.String(), "dtype", r.DType,
		"causal", r.Causal, "warmup", opts.Warmup, "runs", opts.Runs)
	r.Kernel, err = opts.Harness.Measure(ctx, func(ctx context.Context) error {
		stats, err := kern.Run(ctx, q, k, v, out)
		r.Stats = stats
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	r.KernelTFLOPS = attention.TFLOPS(r.FLOPs, r.Kernel.Median)

	var want *tensor.Tensor
	if opts.Reference {
		log.Info("benchmarking reference", "id", r.ID)
		refTiming, err := opts.Harness.Measure(ctx, func(context.Context) error {
			var err error
			want, err = reference.Attention(q, k, v, opts.Kernel.Causal, r.Scale)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("reference: %w", err)
		}
		r.Reference = &refTiming
		r.ReferenceTFLOPS = attention.TFLOPS(r.FLOPs, refTiming.Median)
	}

	if opts.Check {
		if want == nil {
			want, err = reference.Attention(q, k, v, opts.Kernel.Causal, r.Scale)
			if err != nil {
				return nil, fmt.Errorf("reference: %w", err)
			}
		}
		acc, err := reference.Compare(out, want, opts.RTol, opts.ATol)
		if err != nil {
			return nil, err
		}
		r.Accuracy = &acc
	}
	return r, nil
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// WriteTable renders the report for a terminal.
func (r *Report) WriteTable(w io.Writer) {
	info := tablewriter.NewWriter(w)
	info.SetAlignment(tablewriter.ALIGN_LEFT)
	info.SetBorder(false)
	info.SetNoWhiteSpace(true)
	info.SetTablePadding("    ")
	info.SetAutoWrapText(false)
	info.AppendBulk([][]string{
		{"run", r.ID},
		{"shape", fmt.Sprintf("B=%d S=%d H=%d D=%d", r.Shape.Batch, r.Shape.Seq, r.Shape.Heads, r.Shape.Dim)},
		{"dtype", r.DType},
		{"causal", strconv.FormatBool(r.Causal)},
		{"blocks", fmt.Sprintf("%dx%d", r.BlockM, r.BlockN)},
		{"workers", strconv.Itoa(r.Workers)},
		{"cpu", fmt.Sprintf("%s/%s, %d cores %v", r.System.GOOS, r.System.GOARCH, r.System.NumCPU, r.System.Features)},
		{"flops", strconv.FormatFloat(r.FLOPs, 'e', 3, 64)},
	})
	info.Render()
	fmt.Fprintln(w)

	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"Impl", "Median", "Mean", "Min", "Max", "TFLOP/s"})
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetNoWhiteSpace(true)
	t.SetTablePadding("    ")
	t.Append(timingRow("flash", r.Kernel, r.KernelTFLOPS))
	if r.Reference != nil {
		t.Append(timingRow("reference", *r.Reference, r.ReferenceTFLOPS))
	}
	t.Render()

	if r.Accuracy != nil {
		status := "PASS"
		if !r.Accuracy.OK() {
			status = "FAIL"
		}
		fmt.Fprintf(w, "\ncheck: %s %s\n", status, r.Accuracy)
	}
}

func timingRow(name string, t Timing, tflops float64) []string {
	return []string{
		name,
		formatDuration(t.Median),
		formatDuration(t.Mean),
		formatDuration(t.Min),
		formatDuration(t.Max),
		strconv.FormatFloat(tflops, 'f', 4, 64),
	}
}

func formatDuration(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 3, 64) + " ms"
}
