// Package render is a small streaming HTML renderer for component trees with
// suspense-style boundaries.
//
// A production first emits the shell, the tree with every boundary replaced
// by its fallback, and then streams each boundary as it completes. A boundary
// whose subtree defers on a request-only input is postponed: it never
// completes in a prebuild pass and is filled in later by Resume.
package render

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/dynamic"
	"github.com/rogers-f/prerender/internal/logging"
)

// ErrAborted is the error of a production stopped by Cancel or by its
// context. errors.Is(err, context.Canceled) also holds.
var ErrAborted = domain.ErrExpectedCancellation.Wrap(context.Canceled)

// IsAborted reports whether err is an expected cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, domain.ErrExpectedCancellation) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Options carries production lifecycle callbacks. Any of them may be nil.
// Callbacks run on the production's goroutine.
type Options struct {
	OnShellReady func()
	OnAllReady   func()
	OnShellError func(error)
	OnError      func(error)
}

func (o Options) shellReady() {
	if o.OnShellReady != nil {
		o.OnShellReady()
	}
}

func (o Options) allReady() {
	if o.OnAllReady != nil {
		o.OnAllReady()
	}
}

func (o Options) shellError(err error) {
	if o.OnShellError != nil {
		o.OnShellError(err)
	}
}

func (o Options) boundaryError(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}

// Engine starts productions.
type Engine struct {
	// MaxConcurrency bounds the number of boundaries rendered at once.
	// Zero means no limit.
	MaxConcurrency int
}

// NewEngine returns an engine with no concurrency limit.
func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) group() *errgroup.Group {
	g := new(errgroup.Group)
	if e.MaxConcurrency > 0 {
		g.SetLimit(e.MaxConcurrency)
	}
	return g
}

// Production is a running render. Output produced before PipeTo is called is
// buffered and written on the first PipeTo.
type Production struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	w       io.Writer
	pending [][]byte
	err     error
}

// PipeTo directs output to w.
func (p *Production) PipeTo(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.w = w
	for _, b := range p.pending {
		if !p.writeLocked(b) {
			break
		}
	}
	p.pending = nil
	p.flushLocked()
}

// Cancel aborts the production. It is safe to call more than once.
func (p *Production) Cancel() {
	p.cancel()
}

// Done is closed once the production has stopped and every boundary task has
// returned.
func (p *Production) Done() <-chan struct{} {
	return p.done
}

// Err returns the terminal error after Done is closed: nil on success,
// ErrAborted after cancellation, or the shell or stream failure.
func (p *Production) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Production) emit(s string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false
	}
	if p.w == nil {
		p.pending = append(p.pending, []byte(s))
		return true
	}
	if !p.writeLocked([]byte(s)) {
		return false
	}
	p.flushLocked()
	return true
}

// writeLocked must be called with mu held.
func (p *Production) writeLocked(b []byte) bool {
	if _, err := p.w.Write(b); err != nil {
		p.err = domain.ErrStreamFailed.Wrap(err)
		p.cancel()
		return false
	}
	return true
}

// flushLocked must be called with mu held.
func (p *Production) flushLocked() {
	if f, ok := p.w.(http.Flusher); ok && p.err == nil {
		f.Flush()
	}
}

func (p *Production) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

// StartProduction renders root under ctx and streams the result.
func (e *Engine) StartProduction(ctx context.Context, root Node, opts Options) *Production {
	return e.start(ctx, root, opts, nil)
}

// Resume renders only the boundaries postponed in state, as stream chunks,
// assuming the prelude they belong to was already sent. When the whole root
// was postponed it renders the full document instead.
func (e *Engine) Resume(ctx context.Context, root Node, state *DeferredState, opts Options) *Production {
	if state == nil {
		state = &DeferredState{RootPostponed: true}
	}
	return e.start(ctx, root, opts, state)
}

func (e *Engine) start(ctx context.Context, root Node, opts Options, state *DeferredState) *Production {
	ctx, cancel := context.WithCancel(ctx)
	p := &Production{cancel: cancel, done: make(chan struct{})}
	go p.run(ctx, e.group(), root, opts, state)
	return p
}

func (p *Production) run(ctx context.Context, g *errgroup.Group, root Node, opts Options, state *DeferredState) {
	defer close(p.done)
	defer p.cancel()
	log := logging.FromContext(ctx)

	resuming := state != nil && !state.RootPostponed
	var skip func(string) bool
	if resuming {
		postponed := state.keySet()
		skip = func(key string) bool { return !postponed[key] }
	}

	q := newQueue()
	w := newWalker(g, q, skip)
	if err := w.shell(ctx, root); err != nil {
		p.cancel()
		_ = g.Wait()
		if ctx.Err() != nil {
			p.fail(ErrAborted)
			return
		}
		if dynamic.IsDeferred(err) {
			// Postponed outside any boundary: no shell exists in this pass.
			p.fail(err)
			opts.shellError(err)
			return
		}
		err = domain.ErrShellFailed.Wrap(err)
		p.fail(err)
		opts.shellError(err)
		return
	}

	if resuming {
		for key := range state.keySet() {
			if !w.keys[key] {
				opts.boundaryError(domain.NewEngineError(domain.ErrResumeUnsupported.Code,
					"postponed boundary "+key+" is not in the tree"))
			}
		}
	} else if !p.emit(assemble(w.segs, func(s *slot) string { return placeholder(s, s.fallback) })) {
		_ = g.Wait()
		return
	}
	opts.shellReady()

	remaining := 0
	for _, s := range w.slots {
		if !s.skip {
			remaining++
		}
	}
	postponed, runtimeSent := 0, false

	for remaining > 0 {
		select {
		case <-ctx.Done():
			p.abort(g)
			return
		case <-q.notify:
		}
		for _, s := range q.drain() {
			remaining--
			switch {
			case s.status == slotComplete:
				out := chunk(s)
				if !runtimeSent {
					out, runtimeSent = runtimeScript+out, true
				}
				if !p.emit(out) {
					p.abort(g)
					return
				}
			case s.deferred():
				postponed++
			case ctx.Err() != nil:
			default:
				log.Warn("boundary failed; keeping fallback",
					zap.String("boundary", s.key), zap.Error(s.err))
				opts.boundaryError(s.err)
			}
		}
	}
	_ = g.Wait()

	if postponed > 0 {
		// Postponed boundaries cannot finish in this pass.
		<-ctx.Done()
		p.fail(ErrAborted)
		return
	}
	if err := p.Err(); err != nil {
		return
	}
	opts.allReady()
}

func (p *Production) abort(g *errgroup.Group) {
	p.cancel()
	_ = g.Wait()
	p.fail(ErrAborted)
}
