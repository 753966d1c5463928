package signal

import "github.com/rogers-f/prerender/internal/domain"

// validTransitions defines the legal state transitions within one pass.
// Reset is the only way back to Idle and bypasses this table.
var validTransitions = map[domain.SignalState]map[domain.SignalState]bool{
	domain.SignalIdle:     {domain.SignalActive: true, domain.SignalDraining: true},
	domain.SignalActive:   {domain.SignalActive: true, domain.SignalDraining: true},
	domain.SignalDraining: {domain.SignalActive: true, domain.SignalSettled: true, domain.SignalDraining: true},
	domain.SignalSettled:  {domain.SignalActive: true, domain.SignalSettled: true},
}

// IsValidTransition checks if a state transition is legal.
func IsValidTransition(from, to domain.SignalState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
