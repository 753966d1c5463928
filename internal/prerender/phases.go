package prerender

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/logging"
)

// validTransitions defines the legal build phase transitions.
// Each key is a source phase, and the value is the set of valid target phases.
var validTransitions = map[domain.BuildPhase]map[domain.BuildPhase]bool{
	domain.PhaseIdle:         {domain.PhaseProspective: true},
	domain.PhaseProspective:  {domain.PhasePersistCache: true, domain.PhaseFailed: true},
	domain.PhasePersistCache: {domain.PhaseFinal: true, domain.PhaseFailed: true},
	domain.PhaseFinal:        {domain.PhaseEmit: true, domain.PhaseFailed: true},
	domain.PhaseEmit:         {domain.PhaseDone: true, domain.PhaseFailed: true},
}

// IsValidTransition checks if a build phase transition is legal.
func IsValidTransition(from, to domain.BuildPhase) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// run is the state of one build invocation.
type run struct {
	id      string
	phase   domain.BuildPhase
	seq     int64
	started time.Time
}

// enter moves r to phase and appends a phase_entered event when a database
// is configured. Event log failures are logged, not fatal.
func (c *Coordinator) enter(ctx context.Context, r *run, to domain.BuildPhase, detail string) error {
	if !IsValidTransition(r.phase, to) {
		return domain.NewEngineError(
			domain.ErrInvalidTransition.Code,
			fmt.Sprintf("illegal transition %s -> %s", r.phase, to),
		)
	}
	from := r.phase
	r.phase = to
	r.seq++

	log := logging.FromContext(ctx)
	log.Debug("build phase",
		zap.String("build_id", r.id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Duration("elapsed", c.now().Sub(r.started)),
	)

	if c.DB == nil {
		return nil
	}
	event := domain.BuildEvent{
		BuildID:     r.id,
		SeqNo:       r.seq,
		Phase:       to,
		EventType:   "phase_entered",
		PayloadJSON: fmt.Sprintf(`{"from":%q,"to":%q,"detail":%q}`, from, to, detail),
		CreatedAt:   c.now().Unix(),
	}
	if err := c.Events.Append(ctx, c.DB, event); err != nil {
		log.Warn("append build event", zap.String("build_id", r.id), zap.Error(err))
	}
	return nil
}
