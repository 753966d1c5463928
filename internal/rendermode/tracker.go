package rendermode

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/rogers-f/prerender/internal/domain"
)

// traceDepth bounds the number of caller frames kept per access.
const traceDepth = 6

// RecordAccess notes an attempted read of a request-only input. It appends one
// event under Prebuild and does nothing under LiveRequest.
func RecordAccess(ctx context.Context, expression string) {
	p, ok := Require(ctx).(*Prebuild)
	if !ok {
		return
	}
	p.record(domain.AccessEvent{
		Expression: expression,
		CapturedAt: captureTrace(3),
	})
}

// Accesses lists the accesses recorded in the current pass. It is empty when
// the current mode is not Prebuild.
func Accesses(ctx context.Context) []domain.AccessEvent {
	p, ok := PrebuildFrom(ctx)
	if !ok {
		return nil
	}
	return p.Accesses()
}

func captureTrace(skip int) string {
	pcs := make([]uintptr, traceDepth)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s (%s:%d)\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}
