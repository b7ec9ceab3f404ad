package main

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flashmha/internal/attention"
	"github.com/samcharles93/flashmha/internal/tensor"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	blockM     int
	blockN     int
	workers    int
	causal     bool
	scale      float64
	log2Scaled bool
	dtypeName  string

	batch   int
	seqLen  int
	heads   int
	headDim int
	seed    uint64

	rtol float64
	atol float64

	// fileConfig is loaded by the root command's Before hook.
	fileConfig Config
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "path to config.yaml",
		Sources:     cli.EnvVars("FLASHMHA_CONFIG"),
		Destination: &configFile,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func kernelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "block-m",
			Aliases:     []string{"bm"},
			Usage:       "query rows per work unit",
			Value:       64,
			Destination: &blockM,
		},
		&cli.IntFlag{
			Name:        "block-n",
			Aliases:     []string{"bn"},
			Usage:       "key/value rows per iteration",
			Value:       64,
			Destination: &blockN,
		},
		&cli.IntFlag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "concurrent work units (0 = GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.BoolFlag{
			Name:        "causal",
			Usage:       "mask keys after each query position",
			Destination: &causal,
		},
		&cli.FloatFlag{
			Name:        "scale",
			Usage:       "softmax scale (0 = 1/sqrt(dim))",
			Destination: &scale,
		},
		&cli.BoolFlag{
			Name:        "log2-scaled",
			Usage:       "treat --scale as already multiplied by log2(e)",
			Destination: &log2Scaled,
		},
	}
}

func shapeFlags(def tensor.Shape) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "storage dtype (f32, f16, bf16)",
			Value:       "f16",
			Destination: &dtypeName,
		},
		&cli.IntFlag{Name: "batch", Aliases: []string{"b"}, Usage: "batch size", Value: def.Batch, Destination: &batch},
		&cli.IntFlag{Name: "seq", Aliases: []string{"s"}, Usage: "sequence length", Value: def.Seq, Destination: &seqLen},
		&cli.IntFlag{Name: "heads", Usage: "attention heads", Value: def.Heads, Destination: &heads},
		&cli.IntFlag{Name: "dim", Aliases: []string{"d"}, Usage: "head dimension", Value: def.Dim, Destination: &headDim},
		&cli.Uint64Flag{Name: "seed", Usage: "seed for generated inputs", Value: 1, Destination: &seed},
	}
}

func toleranceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.FloatFlag{
			Name:        "rtol",
			Usage:       "relative tolerance for --check",
			Value:       1e-2,
			Destination: &rtol,
		},
		&cli.FloatFlag{
			Name:        "atol",
			Usage:       "absolute tolerance for --check",
			Value:       1e-2,
			Destination: &atol,
		},
	}
}

func kernelConfig() attention.Config {
	return attention.Config{
		BlockM:     blockM,
		BlockN:     blockN,
		Causal:     causal,
		Scale:      scale,
		Log2Scaled: log2Scaled,
		Workers:    workers,
	}
}

func inputShape() (tensor.Shape, tensor.DType, error) {
	dtype, err := tensor.ParseDType(dtypeName)
	if err != nil {
		return tensor.Shape{}, 0, err
	}
	shape := tensor.Shape{Batch: batch, Seq: seqLen, Heads: heads, Dim: headDim}
	if err := shape.Validate(); err != nil {
		return tensor.Shape{}, 0, fmt.Errorf("shape flags: %w", err)
	}
	return shape, dtype, nil
}
