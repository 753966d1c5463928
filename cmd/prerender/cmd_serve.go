package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/resume"
	"github.com/rogers-f/prerender/internal/server"
	"github.com/rogers-f/prerender/internal/store"
)

func newServeCmd(c *cli) *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the prerendered page",
		Long: `Loads the artifacts of the last build and serves the page. Fully static
builds are sent verbatim; otherwise the shell is sent first and the parts
that read cookies or headers are streamed after it.

If no build exists yet, one is run first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listenAddr != "" {
				c.cfg.ListenAddr = listenAddr
			}
			return runServe(cmd.Context(), c)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides listen_addr)")
	return cmd
}

func runServe(ctx context.Context, c *cli) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	r := resume.New(a.coord.Engine, a.tree, c.logger)
	if err := r.LoadDir(a.dir); err != nil {
		if !errors.Is(err, domain.ErrArtifactsMissing) {
			return err
		}
		c.logger.Info("no build found; building now", zap.String("dir", a.dir.Path))
		artifacts, err := a.build(ctx)
		if err != nil {
			return err
		}
		if err := r.Load(artifacts); err != nil {
			return err
		}
	}

	if c.cfg.WatchArtifacts {
		w, err := r.Watch(ctx, a.dir, 100*time.Millisecond)
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	h := &server.Handler{
		Resumer:        r,
		DB:             a.db,
		BuildRepo:      &store.BuildRepo{},
		EventRepo:      &store.EventRepo{},
		Rebuild:        a.build,
		IdentityCookie: c.cfg.IdentityCookie,
		Logger:         c.logger,
	}
	srv := server.NewServer(h, c.cfg.ListenAddr)

	go func() {
		<-ctx.Done()
		c.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	c.logger.Info("prerender server listening", zap.String("url", server.FormatListenURL(c.cfg.ListenAddr)))
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
