package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentflow/internal/config"
	"agentflow/internal/di"
	"agentflow/internal/server"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the prediction API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, di.BuildContainer)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

type containerFactory func(cfg config.Config, opts ...di.Option) (*di.Container, error)

// serve runs the API and, when enabled, a separate metrics listener until
// ctx is cancelled or either server fails.
func serve(ctx context.Context, cfg config.Config, build containerFactory) error {
	container, err := build(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	logger := container.ComponentLogger("main")
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := container.Cleanup(cleanupCtx); err != nil {
			logger.Warn("Failed to cleanup container: %v", err)
		}
	}()

	api := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Debug:          cfg.Debug,
	}, server.Deps{
		Predictor:   container.Predictions,
		Broadcaster: container.Broadcaster,
		Metrics:     container.Metrics,
		Logger:      container.ComponentLogger("server"),
	})

	var metricsServer *http.Server
	if m := cfg.Observability.Metrics; m.Enabled && m.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", container.Metrics.Handler())
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", m.PrometheusPort), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(api.Start)
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("Serving metrics on %s", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := api.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
