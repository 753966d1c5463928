package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/rogers-f/prerender/internal/artifact"
	"github.com/rogers-f/prerender/internal/cache"
	"github.com/rogers-f/prerender/internal/config"
	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/logging"
	"github.com/rogers-f/prerender/internal/prerender"
	"github.com/rogers-f/prerender/internal/render"
	"github.com/rogers-f/prerender/internal/site"
	"github.com/rogers-f/prerender/internal/store"
)

// app is the wired build pipeline.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sql.DB
	page   *site.Page
	reg    site.Registry
	dir    *artifact.Dir
	coord  *prerender.Coordinator
}

func openApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	s := site.Default()
	if cfg.SitePath != "" {
		var err error
		if s, err = site.Load(cfg.SitePath); err != nil {
			return nil, err
		}
	}
	reg := site.DefaultRegistry(cfg.PostsLatency())
	if err := s.Validate(reg); err != nil {
		return nil, err
	}
	page, err := s.Page(cfg.PagePath)
	if err != nil {
		return nil, err
	}

	db, err := openDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	dir := artifact.NewDir(cfg.ArtifactDir)
	coord := prerender.NewCoordinator(db, dir, prerender.Options{
		GraceWindow:          cfg.GraceWindow(),
		ProspectiveTimeout:   cfg.ProspectiveTimeout(),
		CaptureDeferredState: cfg.CaptureDeferred(),
		SettleQuantum:        cfg.SettleQuantum(),
		DebounceRounds:       cfg.DebounceRounds,
	}, logger)
	coord.Engine.MaxConcurrency = cfg.MaxConcurrency
	if cfg.StrictCache {
		coord.Gates = append(coord.Gates, &prerender.CacheMissGate{})
	}
	if cfg.MaxShellBytes > 0 {
		coord.Gates = append(coord.Gates, prerender.NewShellBudgetGate(cfg.MaxShellBytes))
	}

	return &app{cfg: cfg, logger: logger, db: db, page: page, reg: reg, dir: dir, coord: coord}, nil
}

func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, domain.ErrStoreInit.Wrap(err)
	}
	return store.NewDB(path)
}

func (a *app) Close() error {
	return a.db.Close()
}

// tree builds the configured page over s.
func (a *app) tree(s *cache.Store) (render.Node, error) {
	return a.page.Tree(s, a.reg, site.Options{
		IdentityCookie:  a.cfg.IdentityCookie,
		DefaultIdentity: a.cfg.DefaultIdentity,
	})
}

// build runs a two-pass build and writes the artifacts.
func (a *app) build(ctx context.Context) (*domain.BuildArtifacts, error) {
	root, err := a.tree(a.coord.Cache)
	if err != nil {
		return nil, fmt.Errorf("build page tree: %w", err)
	}
	return a.coord.Build(logging.WithLogger(ctx, a.logger), root)
}
