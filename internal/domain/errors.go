package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("engine error %d: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches any EngineError carrying the same code, so wrapped copies of a
// sentinel still satisfy errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: msg, Cause: cause}
}

// Wrap returns a copy of the sentinel carrying cause.
func (e *EngineError) Wrap(cause error) *EngineError {
	return &EngineError{Code: e.Code, Message: e.Message, Cause: cause}
}

// ---- Render mode / production errors (-32010 to -32039) ----

var (
	ErrContextMissing       = &EngineError{Code: -32010, Message: "no render mode in context"}
	ErrShellFailed          = &EngineError{Code: -32011, Message: "shell production failed"}
	ErrExpectedCancellation = &EngineError{Code: -32012, Message: "production cancelled"}
	ErrStreamFailed         = &EngineError{Code: -32013, Message: "streaming failed after shell was sent"}
	ErrResumeUnsupported    = &EngineError{Code: -32014, Message: "deferred state cannot be resumed"}
)

// ---- Cache errors (-32040 to -32069) ----

var (
	ErrProducerFailed     = &EngineError{Code: -32040, Message: "memoized producer failed"}
	ErrFinalPassCacheMiss = &EngineError{Code: -32041, Message: "cache miss during final pass"}
	ErrCacheEncode        = &EngineError{Code: -32042, Message: "cache value is not serializable"}
	ErrCacheDecode        = &EngineError{Code: -32043, Message: "cached value does not decode into requested type"}
	ErrCacheKey           = &EngineError{Code: -32044, Message: "cache arguments are not serializable"}
)

// ---- Build errors (-32070 to -32099) ----

var (
	ErrBuildFailed        = &EngineError{Code: -32070, Message: "build failed"}
	ErrProspectiveTimeout = &EngineError{Code: -32071, Message: "prospective pass did not settle in time"}
	ErrArtifactsMissing   = &EngineError{Code: -32072, Message: "no build artifacts found"}
	ErrInvalidTransition  = &EngineError{Code: -32073, Message: "invalid build phase transition"}
	ErrBuildNotFound      = &EngineError{Code: -32074, Message: "build not found"}
	ErrBuildInProgress    = &EngineError{Code: -32075, Message: "a build is already running"}
	ErrGateFailed         = &EngineError{Code: -32076, Message: "build gate blocked emission"}
)

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration = &EngineError{Code: -32133, Message: "schema migration failed"}
	ErrSnapshotCorrupt = &EngineError{Code: -32134, Message: "snapshot checksum mismatch"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
)

// ---- Site definition errors (-32160 to -32189) ----

var (
	ErrSiteInvalid     = &EngineError{Code: -32160, Message: "invalid site definition"}
	ErrUnknownProducer = &EngineError{Code: -32161, Message: "unknown data producer"}
	ErrPageNotFound    = &EngineError{Code: -32162, Message: "page not found"}
)
