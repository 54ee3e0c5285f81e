package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"allylab/internal/app"
	"allylab/internal/engine"
	"allylab/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the AllyLab API. Bearer auth is enforced when server.jwt_secret or ALLYLAB_JWT_SECRET is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			ctx := cmd.Context()
			rt, err := app.Open(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			logger := rt.Logger
			if n, err := rt.Engine.Recover(ctx); err != nil {
				return err
			} else if n > 0 {
				logger.Warn("failed scans left running by a previous process", "count", n)
			}

			hub := server.NewHub(logger.With("component", "hub"))
			publishers := engine.Publishers{hub}
			hooks := server.NewWebhookDispatcher(rt.Engine.Repo, cfg.Webhooks, logger.With("component", "webhooks"))
			if hooks != nil {
				publishers = append(publishers, hooks)
			}
			e := rt.Engine
			e.Live = publishers

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
				Hub:      hub,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(ctx)
			if hooks != nil {
				g.Go(func() error {
					hooks.Run(ctx)
					return nil
				})
			}
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				fmt.Printf("Serving AllyLab API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}
