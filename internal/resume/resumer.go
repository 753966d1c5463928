// Package resume serves a prerendered page at request time. Fully static
// builds are served verbatim. Builds that touched request-only inputs, or
// left boundaries unfinished, are completed under the live request: either by resuming the postponed
// boundaries after the stored shell, or by rendering the page in full.
package resume

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rogers-f/prerender/internal/artifact"
	"github.com/rogers-f/prerender/internal/cache"
	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/logging"
	"github.com/rogers-f/prerender/internal/render"
	"github.com/rogers-f/prerender/internal/rendermode"
)

// Serving modes, reported in the X-Prerender-Mode response header.
const (
	ModeStatic  = "static"
	ModeResume  = "resume"
	ModeDynamic = "dynamic"
)

// TreeFunc builds the page tree over a request-time cache.
type TreeFunc func(store *cache.Store) (render.Node, error)

type loaded struct {
	artifacts *domain.BuildArtifacts
	state     *render.DeferredState
	root      render.Node
	cache     *cache.Store
}

// Resumer serves the most recently loaded build. Load may be called at any
// time; in-flight requests finish against the build they started with.
type Resumer struct {
	engine  *render.Engine
	tree    TreeFunc
	logger  *zap.Logger
	current atomic.Pointer[loaded]
}

// New creates a resumer with no build loaded.
func New(engine *render.Engine, tree TreeFunc, logger *zap.Logger) *Resumer {
	if engine == nil {
		engine = render.NewEngine()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resumer{engine: engine, tree: tree, logger: logger}
}

// Load makes a the served build. The cache snapshot in a seeds the
// request-time cache.
func (r *Resumer) Load(a *domain.BuildArtifacts) error {
	state, err := render.DecodeDeferredState(a.DeferredState)
	if err != nil {
		return err
	}
	store := cache.New(nil, nil)
	store.Load(a.CacheSnapshot)

	l := &loaded{artifacts: a, state: state, cache: store}
	if a.Metadata.HasDynamicContent || state != nil {
		root, err := r.tree(store)
		if err != nil {
			return fmt.Errorf("build page tree: %w", err)
		}
		l.root = root
	}
	r.current.Store(l)
	r.logger.Info("build loaded",
		zap.String("build_id", a.Metadata.BuildID),
		zap.Bool("has_dynamic_content", a.Metadata.HasDynamicContent),
		zap.Bool("has_deferred_state", a.Metadata.HasDeferredState),
	)
	return nil
}

// LoadDir loads the build stored in d.
func (r *Resumer) LoadDir(d *artifact.Dir) error {
	a, err := d.Load()
	if err != nil {
		return err
	}
	entries, err := d.LoadCache()
	if err != nil {
		return err
	}
	a.CacheSnapshot = entries
	return r.Load(a)
}

// Watch reloads from d whenever a new build is written there. A build that
// fails to load is logged and the previous one keeps being served.
func (r *Resumer) Watch(ctx context.Context, d *artifact.Dir, debounce time.Duration) (*artifact.Watcher, error) {
	w := artifact.NewWatcher(d, debounce, r.logger, func() {
		if err := r.LoadDir(d); err != nil {
			r.logger.Error("reload build", zap.String("dir", d.Path), zap.Error(err))
		}
	})
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Artifacts returns the served build, or nil.
func (r *Resumer) Artifacts() *domain.BuildArtifacts {
	if l := r.current.Load(); l != nil {
		return l.artifacts
	}
	return nil
}

// CacheStats describes the request-time cache of the served build.
func (r *Resumer) CacheStats() (cache.Stats, bool) {
	if l := r.current.Load(); l != nil {
		return l.cache.Stats(), true
	}
	return cache.Stats{}, false
}

// ServeHTTP serves the page.
func (r *Resumer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	l := r.current.Load()
	if l == nil {
		http.Error(w, "no build loaded", http.StatusServiceUnavailable)
		return
	}
	meta := l.artifacts.Metadata
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Prerender-Build", meta.BuildID)

	// Boundaries postponed only because they were slow still need resuming.
	if !meta.HasDynamicContent && l.state == nil {
		w.Header().Set("X-Prerender-Mode", ModeStatic)
		if _, err := io.WriteString(w, l.artifacts.ShellMarkup); err != nil {
			r.logger.Debug("write static page", zap.Error(err))
		}
		return
	}

	log := r.logger.With(zap.String("build_id", meta.BuildID), zap.String("path", req.URL.Path))
	ctx := logging.WithLogger(req.Context(), log)
	ctx = rendermode.WithMode(ctx, rendermode.NewLiveRequest(req))

	rw := &countingWriter{ResponseWriter: w}
	opts := render.Options{
		OnError: func(err error) { log.Error("boundary failed", zap.Error(err)) },
	}

	var prod *render.Production
	if l.state != nil {
		w.Header().Set("X-Prerender-Mode", ModeResume)
		if l.artifacts.ShellMarkup != "" {
			if _, err := io.WriteString(rw, l.artifacts.ShellMarkup); err != nil {
				log.Debug("write shell", zap.Error(err))
				return
			}
			rw.Flush()
		}
		prod = r.engine.Resume(ctx, l.root, l.state, opts)
	} else {
		w.Header().Set("X-Prerender-Mode", ModeDynamic)
		prod = r.engine.StartProduction(ctx, l.root, opts)
	}
	prod.PipeTo(rw)
	<-prod.Done()

	err := prod.Err()
	if err == nil || render.IsAborted(err) {
		return
	}
	if rw.n.Load() == 0 {
		log.Error("render failed before any output", zap.Error(err))
		w.Header().Del("X-Prerender-Mode")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	log.Error("stream terminated", zap.Int64("bytes_sent", rw.n.Load()), zap.Error(err))
}

// countingWriter counts bytes sent and keeps http.Flusher reachable.
type countingWriter struct {
	http.ResponseWriter
	n atomic.Int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.n.Add(int64(n))
	return n, err
}

func (w *countingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
