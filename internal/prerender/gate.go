package prerender

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/rogers-f/prerender/internal/cache"
	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/logging"
)

// Gate decides whether a finished final pass may be emitted.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, a *domain.BuildArtifacts, stats cache.Stats) (domain.GateDecision, error)
}

// CacheMissGate blocks a build whose final pass missed the cache more than
// Max times.
type CacheMissGate struct {
	Max int64
}

// Name returns the gate name.
func (g *CacheMissGate) Name() string { return "cache_miss" }

// Evaluate checks the final-pass miss counter.
func (g *CacheMissGate) Evaluate(_ context.Context, _ *domain.BuildArtifacts, stats cache.Stats) (domain.GateDecision, error) {
	decision := domain.GateDecision{Allow: true}
	if stats.FinalPassMisses > g.Max {
		decision.Allow = false
		decision.Blockers = append(decision.Blockers,
			fmt.Sprintf("final pass missed the cache %d times (max %d)", stats.FinalPassMisses, g.Max))
	}
	return decision, nil
}

// ShellBudgetGate warns when the shell reaches WarnRatio of MaxBytes and
// blocks at HaltRatio.
type ShellBudgetGate struct {
	MaxBytes  int
	WarnRatio float64
	HaltRatio float64
}

// NewShellBudgetGate creates a gate with standard thresholds.
func NewShellBudgetGate(maxBytes int) *ShellBudgetGate {
	return &ShellBudgetGate{MaxBytes: maxBytes, WarnRatio: 0.8, HaltRatio: 1.0}
}

// Name returns the gate name.
func (g *ShellBudgetGate) Name() string { return "shell_budget" }

// Evaluate compares the shell size with the budget.
func (g *ShellBudgetGate) Evaluate(_ context.Context, a *domain.BuildArtifacts, _ cache.Stats) (domain.GateDecision, error) {
	decision := domain.GateDecision{Allow: true}
	if g.MaxBytes <= 0 {
		return decision, nil
	}
	size := len(a.ShellMarkup)
	ratio := float64(size) / float64(g.MaxBytes)
	msg := fmt.Sprintf("shell is %s of a %s budget",
		humanize.Bytes(uint64(size)), humanize.Bytes(uint64(g.MaxBytes)))
	switch {
	case ratio > g.HaltRatio:
		decision.Allow = false
		decision.Blockers = append(decision.Blockers, msg)
	case ratio >= g.WarnRatio:
		decision.Warnings = append(decision.Warnings, msg)
	}
	return decision, nil
}

// checkGates runs every gate and fails with ErrGateFailed listing all
// blockers.
func (c *Coordinator) checkGates(ctx context.Context, a *domain.BuildArtifacts) error {
	if len(c.Gates) == 0 {
		return nil
	}
	log := logging.FromContext(ctx)
	stats := c.Cache.Stats()

	var blockers []string
	for _, g := range c.Gates {
		d, err := g.Evaluate(ctx, a, stats)
		if err != nil {
			return fmt.Errorf("gate %s: %w", g.Name(), err)
		}
		for _, w := range d.Warnings {
			log.Warn("build gate warning", zap.String("gate", g.Name()), zap.String("detail", w))
		}
		if !d.Allow {
			for _, b := range d.Blockers {
				blockers = append(blockers, g.Name()+": "+b)
			}
		}
	}
	if len(blockers) > 0 {
		return domain.NewEngineError(domain.ErrGateFailed.Code,
			domain.ErrGateFailed.Message+": "+strings.Join(blockers, "; "))
	}
	return nil
}
