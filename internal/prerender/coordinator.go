// Package prerender drives the two-pass build: a prospective pass that warms
// the content cache, then a final pass that captures the shell, the deferred
// state and the list of request-only inputs the page touched.
package prerender

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rogers-f/prerender/internal/cache"
	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/dynamic"
	"github.com/rogers-f/prerender/internal/logging"
	"github.com/rogers-f/prerender/internal/render"
	"github.com/rogers-f/prerender/internal/rendermode"
	"github.com/rogers-f/prerender/internal/signal"
	"github.com/rogers-f/prerender/internal/store"
)

// Defaults for Options fields left at zero.
const (
	DefaultGraceWindow        = 100 * time.Millisecond
	DefaultProspectiveTimeout = 60 * time.Second
)

// Options tunes a build.
type Options struct {
	// GraceWindow is how long the final pass keeps running after the shell is
	// ready. The pass ends earlier if everything completes.
	GraceWindow time.Duration
	// ProspectiveTimeout bounds the wait for the cache to settle.
	ProspectiveTimeout time.Duration
	// CaptureDeferredState selects the static production, which records the
	// postponed boundaries so they can be resumed at request time.
	CaptureDeferredState bool
	// SettleQuantum and DebounceRounds configure the completion signal.
	SettleQuantum  time.Duration
	DebounceRounds int
}

func (o *Options) applyDefaults() {
	if o.GraceWindow <= 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.ProspectiveTimeout <= 0 {
		o.ProspectiveTimeout = DefaultProspectiveTimeout
	}
	if o.DebounceRounds <= 0 {
		o.DebounceRounds = signal.DefaultRounds
	}
}

// ArtifactWriter receives the artifacts of a successful build.
type ArtifactWriter interface {
	Write(ctx context.Context, a *domain.BuildArtifacts) error
}

// Coordinator owns the cache and completion signal of one build at a time.
type Coordinator struct {
	Engine *render.Engine
	Cache  *cache.Store
	Signal *signal.Signal

	// DB, when set, persists the cache between passes and records builds.
	DB     *sql.DB
	Builds *store.BuildRepo
	Events *store.EventRepo

	// Output, when set, receives the artifacts of every successful build.
	Output ArtifactWriter

	// Gates are evaluated before a build is saved or written.
	Gates []Gate

	Options Options

	mu    sync.Mutex
	now   func() time.Time
	newID func() string
}

// NewCoordinator wires a coordinator. db and out may be nil.
func NewCoordinator(db *sql.DB, out ArtifactWriter, opts Options, logger *zap.Logger) *Coordinator {
	opts.applyDefaults()
	sig := signal.New(
		signal.WithRounds(opts.DebounceRounds),
		signal.WithYielder(signal.SchedulerYielder(opts.SettleQuantum)),
		signal.WithLogger(logger),
	)
	var p cache.Persister
	if db != nil {
		p = store.NewCachePersister(db)
	}
	return &Coordinator{
		Engine:  render.NewEngine(),
		Cache:   cache.New(sig, p),
		Signal:  sig,
		DB:      db,
		Builds:  &store.BuildRepo{},
		Events:  &store.EventRepo{},
		Output:  out,
		Options: opts,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// errorSink collects errors reported through production callbacks.
type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) add(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

// unexpected returns the first error that is neither a cancellation nor a
// deferral.
func (s *errorSink) unexpected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, err := range s.errs {
		if !render.IsAborted(err) && !dynamic.IsDeferred(err) {
			return err
		}
	}
	return nil
}

// Build runs both passes over root and returns the artifacts. root must read
// memoized data through c.Cache. Builds on one coordinator are serialized.
func (c *Coordinator) Build(ctx context.Context, root render.Node) (*domain.BuildArtifacts, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := &run{id: c.newID(), phase: domain.PhaseIdle, started: c.now()}
	log := logging.FromContext(ctx).With(zap.String("build_id", r.id))
	ctx = logging.WithLogger(ctx, log)

	artifacts, err := c.build(ctx, r, root)
	if err != nil {
		if r.phase != domain.PhaseFailed {
			_ = c.enter(ctx, r, domain.PhaseFailed, err.Error())
		}
		log.Error("build failed", zap.String("phase", string(r.phase)), zap.Error(err))
		return nil, domain.ErrBuildFailed.Wrap(err)
	}
	log.Info("build finished",
		zap.Bool("has_dynamic_content", artifacts.Metadata.HasDynamicContent),
		zap.Bool("has_deferred_state", artifacts.Metadata.HasDeferredState),
		zap.Strings("dynamic_accesses", artifacts.Metadata.DynamicExpressions),
		zap.Int64("final_pass_misses", c.Cache.Stats().FinalPassMisses),
		zap.Duration("elapsed", c.now().Sub(r.started)),
	)
	return artifacts, nil
}

func (c *Coordinator) build(ctx context.Context, r *run, root render.Node) (*domain.BuildArtifacts, error) {
	c.Cache.Clear()
	c.Signal.Reset()

	if err := c.enter(ctx, r, domain.PhaseProspective, ""); err != nil {
		return nil, err
	}
	if err := c.prospective(ctx, root); err != nil {
		return nil, fmt.Errorf("prospective pass: %w", err)
	}

	if err := c.enter(ctx, r, domain.PhasePersistCache, ""); err != nil {
		return nil, err
	}
	if c.DB != nil {
		if err := c.Cache.Persist(ctx); err != nil {
			return nil, err
		}
	}
	c.Signal.Reset()

	if err := c.enter(ctx, r, domain.PhaseFinal, ""); err != nil {
		return nil, err
	}
	final := rendermode.NewPrebuild(domain.PassFinal)
	fctx := rendermode.WithMode(ctx, final)

	var (
		shell    string
		deferred *render.DeferredState
		slow     []string
		err      error
	)
	if c.Options.CaptureDeferredState {
		var res *render.StaticResult
		if res, err = c.finalStatic(fctx, root); err == nil {
			shell, deferred, slow = res.Prelude, res.State, res.Unfinished
		}
	} else {
		shell, err = c.finalStreaming(fctx, root)
	}
	if err != nil {
		return nil, fmt.Errorf("final pass: %w", err)
	}

	if err := c.enter(ctx, r, domain.PhaseEmit, ""); err != nil {
		return nil, err
	}
	if len(slow) > 0 {
		logging.FromContext(ctx).Warn("boundaries unfinished when the grace window closed; they render at request time",
			zap.Strings("boundaries", slow),
			zap.Duration("grace_window", c.Options.GraceWindow),
		)
	}
	artifacts, err := c.assemble(r, final, shell, deferred, slow)
	if err != nil {
		return nil, err
	}
	if err := c.checkGates(ctx, artifacts); err != nil {
		return nil, err
	}
	if err := c.save(ctx, r, artifacts); err != nil {
		return nil, err
	}
	if c.Output != nil {
		if err := c.Output.Write(ctx, artifacts); err != nil {
			return nil, fmt.Errorf("write artifacts: %w", err)
		}
	}

	if err := c.enter(ctx, r, domain.PhaseDone, ""); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// prospective renders root once to discover and warm every memoized read,
// then discards the output.
func (c *Coordinator) prospective(ctx context.Context, root render.Node) error {
	pctx := rendermode.WithMode(ctx, rendermode.NewPrebuild(domain.PassProspective))

	var sink errorSink
	shellDone := make(chan struct{})
	var once sync.Once
	markShell := func() { once.Do(func() { close(shellDone) }) }

	prod := c.Engine.StartProduction(pctx, root, render.Options{
		OnShellReady: markShell,
		OnShellError: func(err error) { sink.add(err); markShell() },
		OnError:      sink.add,
	})
	prod.PipeTo(io.Discard)
	defer func() {
		prod.Cancel()
		<-prod.Done()
	}()

	timeout := time.NewTimer(c.Options.ProspectiveTimeout)
	defer timeout.Stop()

	select {
	case <-shellDone:
	case <-prod.Done():
	case <-timeout.C:
		return domain.ErrProspectiveTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-c.Signal.Ready():
	case <-prod.Done():
	case <-timeout.C:
		return domain.ErrProspectiveTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	prod.Cancel()
	<-prod.Done()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := prod.Err(); err != nil && !render.IsAborted(err) && !dynamic.IsDeferred(err) {
		return err
	}
	return sink.unexpected()
}

// finalStatic runs the static production and stops it one grace window after
// the shell is ready.
func (c *Coordinator) finalStatic(ctx context.Context, root render.Node) (*render.StaticResult, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sink errorSink
	var timer *time.Timer
	res, err := c.Engine.StartStaticProduction(sctx, root, render.Options{
		OnShellReady: func() { timer = time.AfterFunc(c.Options.GraceWindow, cancel) },
		OnError:      sink.add,
	})
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		if render.IsAborted(err) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if err := sink.unexpected(); err != nil {
		return nil, err
	}
	return res, nil
}

// finalStreaming runs a streaming production, waits for the shell plus a
// grace window, cancels it and keeps whatever was written.
func (c *Coordinator) finalStreaming(ctx context.Context, root render.Node) (string, error) {
	var sink errorSink
	shellReady := make(chan struct{})
	allReady := make(chan struct{})
	prod := c.Engine.StartProduction(ctx, root, render.Options{
		OnShellReady: func() { close(shellReady) },
		OnAllReady:   func() { close(allReady) },
		OnShellError: sink.add,
		OnError:      sink.add,
	})
	var out strings.Builder
	var outMu sync.Mutex
	prod.PipeTo(writerFunc(func(p []byte) (int, error) {
		outMu.Lock()
		defer outMu.Unlock()
		return out.Write(p)
	}))

	select {
	case <-shellReady:
		grace := time.NewTimer(c.Options.GraceWindow)
		select {
		case <-grace.C:
		case <-allReady:
		case <-prod.Done():
		case <-ctx.Done():
		}
		grace.Stop()
	case <-prod.Done():
	case <-ctx.Done():
	}
	prod.Cancel()
	<-prod.Done()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := prod.Err(); err != nil {
		switch {
		case dynamic.IsDeferred(err):
			// The root itself is request-only; nothing is captured.
			return "", nil
		case render.IsAborted(err):
		default:
			return "", err
		}
	}
	if err := sink.unexpected(); err != nil {
		return "", err
	}

	outMu.Lock()
	defer outMu.Unlock()
	return out.String(), nil
}

func (c *Coordinator) assemble(r *run, final *rendermode.Prebuild, shell string, deferred *render.DeferredState, slow []string) (*domain.BuildArtifacts, error) {
	a := &domain.BuildArtifacts{
		ShellMarkup:   shell,
		Accesses:      final.Accesses(),
		CacheSnapshot: c.Cache.Snapshot(),
	}
	if deferred != nil {
		raw, err := deferred.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode deferred state: %w", err)
		}
		a.DeferredState = raw
	}
	expressions := final.Expressions()
	if expressions == nil {
		expressions = []string{}
	}
	a.Metadata = domain.BuildMetadata{
		BuildID:            r.id,
		HasDynamicContent:  final.AccessedAny(),
		HasDeferredState:   deferred != nil,
		DynamicExpressions: expressions,
		BuildTime:          c.now().UTC().Format(time.RFC3339),
		ShellChecksum:      domain.ShellChecksum(shell),
		ShellBytes:         len(shell),
		CacheEntries:       len(a.CacheSnapshot),
		SlowBoundaries:     slow,
	}
	return a, nil
}

func (c *Coordinator) save(ctx context.Context, r *run, a *domain.BuildArtifacts) error {
	if c.DB == nil {
		return nil
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rec := domain.BuildRecord{
		BuildID:       r.id,
		Metadata:      a.Metadata,
		ShellMarkup:   a.ShellMarkup,
		DeferredState: a.DeferredState,
		Accesses:      a.Accesses,
		CreatedAt:     c.now().Unix(),
	}
	if err := c.Builds.SaveTx(ctx, tx, rec); err != nil {
		return domain.ErrStoreWrite.Wrap(err)
	}
	return tx.Commit()
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
