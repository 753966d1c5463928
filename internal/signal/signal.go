// Package signal implements the cache completion signal: a reference count of
// in-flight memoized reads for the current pass with an awaitable "all
// settled" condition.
//
// Idle at one instant does not mean idle for good: a read that just finished
// often lets its caller issue the next memoized read immediately. When the
// count drops to zero the signal therefore waits a debounce window of
// scheduler rounds and settles only if no read began in the meantime.
package signal

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rogers-f/prerender/internal/domain"
)

// DefaultRounds is the number of scheduler round-trips in a debounce window.
// One round lets goroutines that were made runnable by the last read run; the
// second lets anything those goroutines spawned reach BeginRead.
const DefaultRounds = 2

// Yielder gives up the processor for one scheduling round.
type Yielder func()

// SchedulerYielder yields to the Go scheduler and then, if quantum > 0, waits
// one quantum so that goroutines blocked on I/O completions get a chance to
// run as well.
func SchedulerYielder(quantum time.Duration) Yielder {
	return func() {
		runtime.Gosched()
		if quantum > 0 {
			time.Sleep(quantum)
		}
	}
}

// Token identifies the pass a read was started in.
type Token uint64

// Option configures a Signal.
type Option func(*Signal)

// WithRounds sets the number of yields per debounce window.
func WithRounds(n int) Option {
	return func(s *Signal) {
		if n > 0 {
			s.rounds = n
		}
	}
}

// WithYielder replaces the scheduler yield used by the debounce window.
func WithYielder(y Yielder) Option {
	return func(s *Signal) {
		if y != nil {
			s.yield = y
		}
	}
}

// WithLogger attaches a logger for state changes.
func WithLogger(l *zap.Logger) Option {
	return func(s *Signal) {
		if l != nil {
			s.logger = l
		}
	}
}

// Signal tracks in-flight memoized reads for one pass at a time.
type Signal struct {
	mu         sync.Mutex
	state      domain.SignalState
	pending    int
	started    bool
	activity   uint64 // bumped by every BeginRead
	generation uint64 // bumped by every Reset
	waiters    []chan struct{}

	rounds int
	yield  Yielder
	logger *zap.Logger
}

// New creates an idle signal.
func New(opts ...Option) *Signal {
	s := &Signal{
		state:  domain.SignalIdle,
		rounds: DefaultRounds,
		yield:  SchedulerYielder(0),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginRead counts one more in-flight read and returns the token to pass to
// EndRead.
func (s *Signal) BeginRead() Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending++
	s.activity++
	s.started = true
	s.transition(domain.SignalActive)
	return Token(s.generation)
}

// EndRead counts one read as finished. Tokens from before the last Reset are
// ignored. When the count reaches zero a debounce check is scheduled.
func (s *Signal) EndRead(t Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(t) != s.generation {
		return
	}
	if s.pending == 0 {
		panic("signal: EndRead without matching BeginRead")
	}
	s.pending--
	if s.pending == 0 {
		s.transition(domain.SignalDraining)
		s.scheduleCheck()
	}
}

// Ready returns a channel that is closed once the current pass settles.
// Called with nothing in flight, it still waits one debounce window in case
// reads are about to start.
func (s *Signal) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{})
	if s.state == domain.SignalSettled && s.pending == 0 {
		close(ch)
		return ch
	}
	s.waiters = append(s.waiters, ch)
	if s.pending == 0 {
		s.transition(domain.SignalDraining)
		s.scheduleCheck()
	}
	return ch
}

// Wait blocks until the current pass settles or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset returns the signal to Idle for a new pass. Pending waiters are
// dropped without being closed: they belong to the previous pass.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.pending = 0
	s.started = false
	s.waiters = nil
	s.state = domain.SignalIdle
	s.logger.Debug("completion signal reset", zap.Uint64("generation", s.generation))
}

// Pending returns the number of in-flight reads.
func (s *Signal) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// State returns the current lifecycle state.
func (s *Signal) State() domain.SignalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasStarted reports whether any read began since the last Reset.
func (s *Signal) HasStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// transition must be called with mu held.
func (s *Signal) transition(to domain.SignalState) {
	if !IsValidTransition(s.state, to) {
		panic(fmt.Sprintf("signal: invalid transition %s -> %s", s.state, to))
	}
	s.state = to
}

// scheduleCheck must be called with mu held.
func (s *Signal) scheduleCheck() {
	gen, act := s.generation, s.activity
	go s.debounce(gen, act)
}

func (s *Signal) debounce(gen, act uint64) {
	for i := 0; i < s.rounds; i++ {
		s.yield()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A newer pass, a read that started inside the window, or one still in
	// flight all mean this window is not clean.
	if gen != s.generation || act != s.activity || s.pending > 0 {
		return
	}

	s.transition(domain.SignalSettled)
	for _, ch := range s.waiters {
		close(ch)
	}
	s.logger.Debug("completion signal settled",
		zap.Int("waiters", len(s.waiters)),
		zap.Bool("started", s.started),
	)
	s.waiters = nil
}
