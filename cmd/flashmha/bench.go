package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flashmha/internal/bench"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns int
		benchRuns  int
		withRef    bool
		check      bool
		jsonPath   string
	)

	flags := append([]cli.Flag{}, kernelFlags()...)
	flags = append(flags, shapeFlags(bench.DefaultShape)...)
	flags = append(flags, toleranceFlags()...)
	flags = append(flags,
		&cli.IntFlag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       3,
			Destination: &warmupRuns,
		},
		&cli.IntFlag{
			Name:        "runs",
			Usage:       "number of timed runs",
			Value:       10,
			Destination: &benchRuns,
		},
		&cli.BoolFlag{
			Name:        "reference",
			Usage:       "also time the unblocked float64 reference",
			Destination: &withRef,
		},
		&cli.BoolFlag{
			Name:        "check",
			Usage:       "compare the kernel output against the reference",
			Destination: &check,
		},
		&cli.StringFlag{
			Name:        "json",
			Usage:       "write the report as JSON to this path (- for stdout)",
			Destination: &jsonPath,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time the kernel on seeded normal inputs",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyKernelConfig(cmd, fileConfig)
			applyToleranceConfig(cmd, fileConfig)

			shape, dtype, err := inputShape()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			report, err := bench.Run(ctx, bench.Options{
				Shape:     shape,
				DType:     dtype,
				Kernel:    kernelConfig(),
				Harness:   bench.Harness{Warmup: warmupRuns, Runs: benchRuns},
				Reference: withRef,
				Check:     check,
				RTol:      rtol,
				ATol:      atol,
				Seed:      seed,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: benchmark: %v", err), 1)
			}

			w := cmd.Root().Writer
			switch jsonPath {
			case "":
				report.WriteTable(w)
			case "-":
				if err := report.WriteJSON(w); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			default:
				report.WriteTable(w)
				if err := writeReportFile(jsonPath, report); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}

			if report.Accuracy != nil && !report.Accuracy.OK() {
				return cli.Exit("check failed", 1)
			}
			return nil
		},
	}
}

func writeReportFile(path string, r *bench.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.WriteJSON(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
