package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rogers-f/prerender/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// gatedYielder blocks every yield until the test releases it.
type gatedYielder struct {
	gate chan struct{}
}

func newGatedYielder() *gatedYielder {
	return &gatedYielder{gate: make(chan struct{})}
}

func (g *gatedYielder) yield() { <-g.gate }

// release lets one full debounce window through.
func (g *gatedYielder) release(t *testing.T, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		select {
		case g.gate <- struct{}{}:
		case <-time.After(time.Second):
			t.Fatalf("no debounce check waiting on round %d", i)
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func stillPending(t *testing.T, ch <-chan struct{}, wait time.Duration) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("waiter resolved unexpectedly")
	case <-time.After(wait):
	}
}

func TestReady_ResolvesAfterLastReadEnds(t *testing.T) {
	s := New()

	tok := s.BeginRead()
	ready := s.Ready()
	stillPending(t, ready, 20*time.Millisecond)

	s.EndRead(tok)

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("ready did not resolve")
	}
	assert.Equal(t, domain.SignalSettled, s.State())
	assert.Equal(t, 0, s.Pending())
}

func TestReady_DoesNotResolveWhileCountPositive(t *testing.T) {
	s := New()

	first := s.BeginRead()
	second := s.BeginRead()
	ready := s.Ready()

	s.EndRead(first)
	stillPending(t, ready, 30*time.Millisecond)
	assert.Equal(t, 1, s.Pending())

	s.EndRead(second)
	require.Eventually(t, func() bool { return isClosed(ready) }, time.Second, time.Millisecond)
}

func TestReady_ReadDuringDebounceWindowRestartsWindow(t *testing.T) {
	y := newGatedYielder()
	s := New(WithYielder(y.yield))

	tok := s.BeginRead()
	ready := s.Ready()
	s.EndRead(tok)
	assert.Equal(t, domain.SignalDraining, s.State())

	// Follow-up work starts before the window closes.
	next := s.BeginRead()
	assert.Equal(t, domain.SignalActive, s.State())
	y.release(t, DefaultRounds)
	stillPending(t, ready, 20*time.Millisecond)

	s.EndRead(next)
	stillPending(t, ready, 20*time.Millisecond)

	y.release(t, DefaultRounds)
	require.Eventually(t, func() bool { return isClosed(ready) }, time.Second, time.Millisecond)
}

func TestReady_GraceWindowWhenNothingStarted(t *testing.T) {
	y := newGatedYielder()
	s := New(WithYielder(y.yield))

	ready := s.Ready()
	assert.False(t, s.HasStarted())
	stillPending(t, ready, 10*time.Millisecond)

	y.release(t, DefaultRounds)
	require.Eventually(t, func() bool { return isClosed(ready) }, time.Second, time.Millisecond)
}

func TestReady_ReadStartingInGraceWindowIsAwaited(t *testing.T) {
	y := newGatedYielder()
	s := New(WithYielder(y.yield))

	ready := s.Ready()
	tok := s.BeginRead()
	y.release(t, DefaultRounds)
	stillPending(t, ready, 20*time.Millisecond)

	s.EndRead(tok)
	y.release(t, DefaultRounds)
	require.Eventually(t, func() bool { return isClosed(ready) }, time.Second, time.Millisecond)
}

func TestReady_ConcurrentWaitersResolveTogether(t *testing.T) {
	s := New()
	tok := s.BeginRead()

	waiters := []<-chan struct{}{s.Ready(), s.Ready(), s.Ready()}
	s.EndRead(tok)

	for i, w := range waiters {
		select {
		case <-w:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d did not resolve", i)
		}
	}
}

func TestReady_AlreadySettledResolvesImmediately(t *testing.T) {
	s := New()
	tok := s.BeginRead()
	s.EndRead(tok)
	require.NoError(t, s.Wait(context.Background()))

	assert.True(t, isClosed(s.Ready()))
}

func TestReset_AbandonsWaiters(t *testing.T) {
	s := New()
	tok := s.BeginRead()
	stale := s.Ready()

	s.Reset()
	assert.Equal(t, domain.SignalIdle, s.State())
	assert.Equal(t, 0, s.Pending())

	// Activity in the new pass must not satisfy the old waiter.
	fresh := s.BeginRead()
	s.EndRead(fresh)
	require.NoError(t, s.Wait(context.Background()))

	// The pre-reset read finishing late is ignored.
	s.EndRead(tok)
	assert.Equal(t, 0, s.Pending())

	stillPending(t, stale, 50*time.Millisecond)
}

func TestReset_IgnoresInFlightDebounce(t *testing.T) {
	y := newGatedYielder()
	s := New(WithYielder(y.yield))

	tok := s.BeginRead()
	stale := s.Ready()
	s.EndRead(tok)

	s.Reset()
	y.release(t, DefaultRounds)

	stillPending(t, stale, 20*time.Millisecond)
	assert.Equal(t, domain.SignalIdle, s.State())
}

func TestEndRead_WithoutBeginPanics(t *testing.T) {
	s := New()
	assert.Panics(t, func() { s.EndRead(Token(0)) })
}

func TestWait_ContextCancelled(t *testing.T) {
	s := New()
	tok := s.BeginRead()
	defer s.EndRead(tok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithRounds(t *testing.T) {
	y := newGatedYielder()
	s := New(WithYielder(y.yield), WithRounds(3))

	tok := s.BeginRead()
	ready := s.Ready()
	s.EndRead(tok)

	y.release(t, 2)
	stillPending(t, ready, 10*time.Millisecond)
	y.release(t, 1)
	require.Eventually(t, func() bool { return isClosed(ready) }, time.Second, time.Millisecond)
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to domain.SignalState
		want     bool
	}{
		{domain.SignalIdle, domain.SignalActive, true},
		{domain.SignalActive, domain.SignalDraining, true},
		{domain.SignalDraining, domain.SignalSettled, true},
		{domain.SignalDraining, domain.SignalActive, true},
		{domain.SignalActive, domain.SignalSettled, false},
		{domain.SignalIdle, domain.SignalSettled, false},
		{domain.SignalSettled, domain.SignalIdle, false},
	}
	for _, tt := range tests {
		if got := IsValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
