// Package domain defines the core types shared by the prerender build and the
// request-time server.
package domain

import "encoding/json"

// Pass identifies which prebuild pass is executing.
type Pass string

const (
	PassProspective Pass = "prospective"
	PassFinal       Pass = "final"
)

// SignalState is the lifecycle state of a cache completion signal.
type SignalState string

const (
	SignalIdle     SignalState = "idle"
	SignalActive   SignalState = "active"
	SignalDraining SignalState = "draining"
	SignalSettled  SignalState = "settled"
)

// AccessEvent records one attempted read of a request-only input during a
// prebuild pass.
type AccessEvent struct {
	Expression string `json:"expression"`
	CapturedAt string `json:"captured_at,omitempty"`
}

// CacheEntry is the persisted form of one memoized value.
type CacheEntry struct {
	Name  string          `json:"name"`
	Args  string          `json:"args"`
	Value json.RawMessage `json:"value"`
}

// BuildMetadata describes a finished build. It is the first thing the
// request-time server reads.
type BuildMetadata struct {
	BuildID            string   `json:"build_id"`
	HasDynamicContent  bool     `json:"has_dynamic_content"`
	HasDeferredState   bool     `json:"has_deferred_state"`
	DynamicExpressions []string `json:"dynamic_accesses"`
	BuildTime          string   `json:"build_time"`
	ShellChecksum      string   `json:"shell_checksum"`
	ShellBytes         int      `json:"shell_bytes"`
	CacheEntries       int      `json:"cache_entries"`
	// SlowBoundaries were postponed only because the final pass ran out of
	// time for them.
	SlowBoundaries []string `json:"slow_boundaries,omitempty"`
}

// BuildArtifacts is everything a build produces. Written once per build and
// read-only at request time.
type BuildArtifacts struct {
	ShellMarkup   string
	DeferredState json.RawMessage
	Metadata      BuildMetadata
	Accesses      []AccessEvent
	CacheSnapshot []CacheEntry
}

// BuildRecord is a build row as stored in the database.
type BuildRecord struct {
	ID            int64
	BuildID       string
	Metadata      BuildMetadata
	ShellMarkup   string
	DeferredState json.RawMessage
	Accesses      []AccessEvent
	CreatedAt     int64
}

// BuildPhase is a step of the two-phase build.
type BuildPhase string

const (
	PhaseIdle         BuildPhase = "idle"
	PhaseProspective  BuildPhase = "prospective"
	PhasePersistCache BuildPhase = "persist_cache"
	PhaseFinal        BuildPhase = "final"
	PhaseEmit         BuildPhase = "emit"
	PhaseDone         BuildPhase = "done"
	PhaseFailed       BuildPhase = "failed"
)

// BuildEvent is one entry in a build's event log.
type BuildEvent struct {
	ID          int64      `json:"id"`
	BuildID     string     `json:"build_id"`
	SeqNo       int64      `json:"seq_no"`
	Phase       BuildPhase `json:"phase"`
	EventType   string     `json:"event_type"`
	PayloadJSON string     `json:"payload_json"`
	CreatedAt   int64      `json:"created_at"`
}

// GateDecision is the outcome of evaluating a build gate.
type GateDecision struct {
	Allow    bool
	Blockers []string
	Warnings []string
}
