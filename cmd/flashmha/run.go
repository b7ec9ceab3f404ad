package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flashmha/internal/attention"
	"github.com/samcharles93/flashmha/internal/logger"
	"github.com/samcharles93/flashmha/internal/reference"
	"github.com/samcharles93/flashmha/internal/safetensors"
	"github.com/samcharles93/flashmha/internal/tensor"
)

var runShape = tensor.Shape{Batch: 1, Seq: 256, Heads: 4, Dim: 64}

func runCmd() *cli.Command {
	var (
		inputPath  string
		outputPath string
		check      bool
	)

	flags := append([]cli.Flag{}, kernelFlags()...)
	flags = append(flags, shapeFlags(runShape)...)
	flags = append(flags, toleranceFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "safetensors file holding q, k and v (default: seeded normal inputs)",
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "write the result as tensor \"output\" to this safetensors file",
			Destination: &outputPath,
		},
		&cli.BoolFlag{
			Name:        "check",
			Usage:       "compare against the unblocked reference and fail on mismatch",
			Destination: &check,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Compute attention once",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyKernelConfig(cmd, fileConfig)
			applyToleranceConfig(cmd, fileConfig)

			q, k, v, err := loadInputs(ctx, inputPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			cfg := kernelConfig()
			kern, err := attention.New(cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			start := time.Now()
			out, stats, err := kern.Forward(ctx, q, k, v)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: attention: %v", err), 1)
			}
			elapsed := time.Since(start)
			flops := attention.FLOPs(q.Shape, cfg.Causal)
			log.Info("attention complete",
				"shape", q.Shape.String(),
				"dtype", q.DType.String(),
				"causal", cfg.Causal,
				"units", stats.Units,
				"elapsed", elapsed,
				"tflops", attention.TFLOPS(flops, elapsed),
			)

			if outputPath != "" {
				meta := map[string]string{
					"causal":  strconv.FormatBool(cfg.Causal),
					"block_m": strconv.Itoa(cfg.BlockM),
					"block_n": strconv.Itoa(cfg.BlockN),
					"scale":   strconv.FormatFloat(cfg.SoftmaxScale(q.Shape.Dim), 'g', -1, 64),
				}
				if err := safetensors.Write(outputPath, map[string]*tensor.Tensor{"output": out}, meta); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				log.Info("wrote output", "path", outputPath)
			}

			w := cmd.Root().Writer
			_, _ = fmt.Fprintf(w, "shape %s %s causal=%v blocks %dx%d: %s (%d units, %d key blocks, %d skipped)\n",
				q.Shape, q.DType, cfg.Causal, cfg.BlockM, cfg.BlockN, elapsed.Round(time.Microsecond),
				stats.Units, stats.KeyBlocks, stats.SkippedBlocks)

			if !check {
				return nil
			}
			want, err := reference.Attention(q, k, v, cfg.Causal, cfg.SoftmaxScale(q.Shape.Dim))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: reference: %v", err), 1)
			}
			report, err := reference.Compare(out, want, rtol, atol)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if !report.OK() {
				return cli.Exit(fmt.Sprintf("check failed: %s", report), 1)
			}
			_, _ = fmt.Fprintf(w, "check passed: %s\n", report)
			return nil
		},
	}
}

// loadInputs reads q, k and v from path, or generates them from the shape
// flags when path is empty.
func loadInputs(ctx context.Context, path string) (q, k, v *tensor.Tensor, err error) {
	if path == "" {
		shape, dtype, err := inputShape()
		if err != nil {
			return nil, nil, nil, err
		}
		inputs := make([]*tensor.Tensor, 3)
		for i := range inputs {
			if inputs[i], err = tensor.New(shape, dtype); err != nil {
				return nil, nil, nil, err
			}
			inputs[i].FillNormal(seed + uint64(i))
		}
		logger.FromContext(ctx).Debug("generated inputs", "shape", shape.String(), "dtype", dtype.String(), "seed", seed)
		return inputs[0], inputs[1], inputs[2], nil
	}

	f, err := safetensors.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	defer func() { _ = f.Close() }()
	out := make([]*tensor.Tensor, 3)
	for i, name := range []string{"q", "k", "v"} {
		if out[i], err = f.Tensor(name); err != nil {
			return nil, nil, nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	logger.FromContext(ctx).Debug("loaded inputs", "path", path, "shape", out[0].Shape.String(), "dtype", out[0].DType.String())
	return out[0], out[1], out[2], nil
}
