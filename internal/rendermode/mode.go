// Package rendermode tells any unit of render work whether it is running in a
// prebuild pass or serving a live request.
//
// The mode record travels in context.Context. Every goroutine started from a
// derived context observes the same record, and two independently scoped
// contexts never observe each other's record, so no global state is involved.
package rendermode

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/rogers-f/prerender/internal/domain"
)

// Mode is either *Prebuild or *LiveRequest.
type Mode interface {
	isMode()
}

// Prebuild is the mode of a build-time pass. Request-only inputs are
// unavailable; attempts to read them are recorded.
type Prebuild struct {
	Pass domain.Pass

	mu          sync.Mutex
	accesses    []domain.AccessEvent
	accessedAny bool
}

// NewPrebuild returns a fresh prebuild record with an empty access log.
func NewPrebuild(pass domain.Pass) *Prebuild {
	return &Prebuild{Pass: pass}
}

func (*Prebuild) isMode() {}

// Accesses returns a copy of the recorded accesses in recording order.
func (p *Prebuild) Accesses() []domain.AccessEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.AccessEvent, len(p.accesses))
	copy(out, p.accesses)
	return out
}

// AccessedAny reports whether any request-only input was attempted.
func (p *Prebuild) AccessedAny() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessedAny
}

// Expressions returns the expression of every recorded access, in order.
func (p *Prebuild) Expressions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.accesses))
	for _, a := range p.accesses {
		out = append(out, a.Expression)
	}
	return out
}

func (p *Prebuild) record(ev domain.AccessEvent) {
	p.mu.Lock()
	p.accesses = append(p.accesses, ev)
	p.accessedAny = true
	p.mu.Unlock()
}

// LiveRequest carries the inputs of a real inbound request. Header keys are
// lower-cased.
type LiveRequest struct {
	Headers map[string]string
	Cookies map[string]string
}

func (*LiveRequest) isMode() {}

// NewLiveRequest builds a live-request record from an HTTP request. Only the
// first value of repeated headers is kept.
func NewLiveRequest(r *http.Request) *LiveRequest {
	lr := &LiveRequest{
		Headers: make(map[string]string, len(r.Header)),
		Cookies: make(map[string]string),
	}
	for k, v := range r.Header {
		if len(v) > 0 {
			lr.Headers[strings.ToLower(k)] = v[0]
		}
	}
	for _, c := range r.Cookies() {
		if _, seen := lr.Cookies[c.Name]; !seen {
			lr.Cookies[c.Name] = c.Value
		}
	}
	return lr
}

type key struct{}

// WithMode returns a context scoped to mode.
func WithMode(ctx context.Context, mode Mode) context.Context {
	if mode == nil {
		panic("rendermode: nil mode")
	}
	return context.WithValue(ctx, key{}, mode)
}

// Run executes fn with mode as the nearest enclosing record.
func Run(ctx context.Context, mode Mode, fn func(ctx context.Context) error) error {
	return fn(WithMode(ctx, mode))
}

// Current returns the nearest enclosing mode, or false when there is none.
func Current(ctx context.Context) (Mode, bool) {
	m, ok := ctx.Value(key{}).(Mode)
	return m, ok
}

// Require returns the nearest enclosing mode and panics with
// domain.ErrContextMissing when called outside any scope. Reaching that panic
// is a programming error.
func Require(ctx context.Context) Mode {
	m, ok := Current(ctx)
	if !ok {
		panic(domain.ErrContextMissing)
	}
	return m
}

// PrebuildFrom returns the prebuild record in ctx, if that is the current mode.
func PrebuildFrom(ctx context.Context) (*Prebuild, bool) {
	m, ok := Current(ctx)
	if !ok {
		return nil, false
	}
	p, ok := m.(*Prebuild)
	return p, ok
}
