package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flashmha/internal/api"
	"github.com/samcharles93/flashmha/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		maxElements int
		maxResults  int
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the attention REST API",
		Flags: append(kernelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.IntFlag{
				Name:        "max-elements",
				Usage:       "largest B*S*H*D accepted per request",
				Value:       api.DefaultMaxElements,
				Destination: &maxElements,
			},
			&cli.IntFlag{
				Name:        "max-results",
				Usage:       "results kept in memory before the oldest is evicted",
				Value:       api.DefaultMaxResults,
				Destination: &maxResults,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyKernelConfig(cmd, fileConfig)
			applyServeConfig(cmd, fileConfig, &addr)

			server := api.NewServer(api.NewResultStoreWithLimit(maxResults), kernelConfig(), log.With("component", "api"))
			server.MaxElements = maxElements

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "block_m", blockM, "block_n", blockN,
				"body_limit", server.BodyLimit(), "max_results", maxResults)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					srv.ReadTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
