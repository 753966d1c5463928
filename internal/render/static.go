package render

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/dynamic"
)

// deferredStateVersion is bumped when the encoding changes incompatibly.
const deferredStateVersion = 1

// DeferredState names what a static production left for request time.
type DeferredState struct {
	Version       int      `json:"version"`
	RootPostponed bool     `json:"root_postponed,omitempty"`
	Boundaries    []string `json:"boundaries,omitempty"`
}

func (s *DeferredState) keySet() map[string]bool {
	m := make(map[string]bool, len(s.Boundaries))
	for _, k := range s.Boundaries {
		m[k] = true
	}
	return m
}

// Encode serializes the state for storage.
func (s *DeferredState) Encode() (json.RawMessage, error) {
	return json.Marshal(s)
}

// DecodeDeferredState parses a stored state. An empty blob yields nil.
func DecodeDeferredState(raw json.RawMessage) (*DeferredState, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s DeferredState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, domain.ErrResumeUnsupported.Wrap(err)
	}
	if s.Version != deferredStateVersion {
		return nil, domain.NewEngineError(domain.ErrResumeUnsupported.Code,
			fmt.Sprintf("deferred state version %d, want %d", s.Version, deferredStateVersion))
	}
	return &s, nil
}

// StaticResult is the outcome of a static production.
type StaticResult struct {
	Prelude string
	// State is nil when nothing was postponed.
	State *DeferredState
	// Unfinished lists postponed boundaries that read no request-only input;
	// the production stopped before they completed.
	Unfinished []string
}

// StartStaticProduction renders root to completion and returns the prelude.
//
// Boundaries still rendering when ctx is cancelled, and boundaries that
// deferred on a request-only input, are postponed: the prelude keeps their
// fallback and State lists them. A deferral outside every boundary postpones
// the root, leaving an empty prelude. Any other boundary failure is reported
// through OnError and the boundary is postponed as well.
func (e *Engine) StartStaticProduction(ctx context.Context, root Node, opts Options) (*StaticResult, error) {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := e.group()
	q := newQueue()
	w := newWalker(g, q, nil)
	if err := w.shell(ctx, root); err != nil {
		cancel()
		_ = g.Wait()
		switch {
		case parent.Err() != nil:
			return nil, ErrAborted
		case dynamic.IsDeferred(err):
			return &StaticResult{State: &DeferredState{Version: deferredStateVersion, RootPostponed: true}}, nil
		default:
			err = domain.ErrShellFailed.Wrap(err)
			opts.shellError(err)
			return nil, err
		}
	}
	opts.shellReady()

	remaining := len(w.slots)
wait:
	for remaining > 0 {
		select {
		case <-parent.Done():
			break wait
		case <-q.notify:
			remaining -= len(q.drain())
		}
	}
	aborted := remaining > 0
	cancel()
	_ = g.Wait()

	var postponed, unfinished []string
	prelude := assemble(w.segs, func(s *slot) string {
		if s.status == slotComplete {
			return placeholder(s, s.content)
		}
		postponed = append(postponed, s.key)
		switch {
		case s.deferred():
		case s.status == slotFailed && !IsAborted(s.err):
			opts.boundaryError(fmt.Errorf("boundary %s: %w", s.key, s.err))
		default:
			unfinished = append(unfinished, s.key)
		}
		return placeholder(s, s.fallback)
	})
	if !aborted {
		opts.allReady()
	}

	res := &StaticResult{Prelude: prelude, Unfinished: unfinished}
	if len(postponed) > 0 {
		res.State = &DeferredState{Version: deferredStateVersion, Boundaries: postponed}
	}
	return res, nil
}
