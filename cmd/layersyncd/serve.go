package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/layersync"
	"github.com/ggoodman/layersync/internal/config"
	"github.com/ggoodman/layersync/internal/logctx"
	"github.com/ggoodman/layersync/results"
	"github.com/ggoodman/layersync/results/memory"
	"github.com/ggoodman/layersync/results/redis"
	"github.com/ggoodman/layersync/sessions"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Accept editor connections and serve the control plane",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts.ConfigPath, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides the config")
	return cmd
}

func newLogger(cfg config.Config, level *slog.LevelVar, w io.Writer) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

func newCache(cfg config.Config) (results.Cache, error) {
	switch cfg.Results.Backend {
	case config.BackendRedis:
		return redis.New(cfg.RedisConfig())
	default:
		return memory.New(), nil
	}
}

func serve(ctx context.Context, cfg config.Config, configPath string, logOut io.Writer) error {
	level := new(slog.LevelVar)
	lvl, err := cfg.Level()
	if err != nil {
		return err
	}
	level.Set(lvl)
	log := newLogger(cfg, level, logOut)

	cache, err := newCache(cfg)
	if err != nil {
		return fmt.Errorf("result cache: %w", err)
	}
	defer func() {
		_ = cache.Close()
	}()

	sc := cfg.SessionConfig()
	sc.Logger = log
	reg := sessions.NewRegistry(sc)
	defer func() {
		_ = reg.Close()
	}()

	h, err := layersync.New(ctx, reg, cache,
		layersync.WithLogger(log),
		layersync.WithWebsocketConfig(cfg.WebsocketConfig()),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "server.listen", slog.String("addr", cfg.Listen), slog.String("results_backend", cfg.Results.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked editor connections are not tracked by Shutdown; closing
		// the registry ends them.
		_ = reg.Close()
		return srv.Shutdown(shutdownCtx)
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, log, func(c config.Config) {
				if l, err := c.Level(); err == nil {
					level.Set(l)
				}
			})
		})
	}

	err = g.Wait()
	log.InfoContext(context.Background(), "server.stopped")
	return err
}
