// Package dynamic provides accessors for request-only inputs (cookies,
// headers).
//
// During a prebuild pass an accessor cannot produce a value. Instead of
// blocking, it records the attempt and returns a deferred Result; the render
// engine turns the resulting *DeferredError into a fallback plus a hole to
// fill at request time. Under a live request the accessor returns the real
// value.
package dynamic

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rogers-f/prerender/internal/rendermode"
)

// DeferredError signals that a value is only available at request time.
type DeferredError struct {
	Expression string
}

// Error implements the error interface.
func (e *DeferredError) Error() string {
	return fmt.Sprintf("%s is only available during a live request", e.Expression)
}

// IsDeferred reports whether err, or anything it wraps, is a *DeferredError.
func IsDeferred(err error) bool {
	var d *DeferredError
	return errors.As(err, &d)
}

// Result is either a ready value or a deferral.
type Result[T any] struct {
	value    T
	deferred *DeferredError
}

// Ready wraps an available value.
func Ready[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Deferred marks a value as unavailable until request time.
func Deferred[T any](expression string) Result[T] {
	return Result[T]{deferred: &DeferredError{Expression: expression}}
}

// Get returns the value and true when ready.
func (r Result[T]) Get() (T, bool) {
	return r.value, r.deferred == nil
}

// IsDeferred reports whether the result is a deferral.
func (r Result[T]) IsDeferred() bool {
	return r.deferred != nil
}

// Err returns the *DeferredError, or nil when the result is ready.
func (r Result[T]) Err() error {
	if r.deferred == nil {
		return nil
	}
	return r.deferred
}

// Value returns the value, or the deferral as an error.
func (r Result[T]) Value() (T, error) {
	return r.value, r.Err()
}

// Values is a read-only view of request cookies or headers.
type Values map[string]string

// Get returns the named value.
func (v Values) Get(name string) (string, bool) {
	s, ok := v[name]
	return s, ok
}

func access[T any](ctx context.Context, expression string, live func(*rendermode.LiveRequest) T) Result[T] {
	switch m := rendermode.Require(ctx).(type) {
	case *rendermode.LiveRequest:
		return Ready(live(m))
	default:
		rendermode.RecordAccess(ctx, expression)
		return Deferred[T](expression)
	}
}

// Cookies returns all request cookies.
func Cookies(ctx context.Context) Result[Values] {
	return access(ctx, "cookies()", func(lr *rendermode.LiveRequest) Values {
		return copyValues(lr.Cookies)
	})
}

// Cookie returns one cookie value; an absent cookie yields "".
func Cookie(ctx context.Context, name string) Result[string] {
	return access(ctx, "cookies().get("+strconv.Quote(name)+")", func(lr *rendermode.LiveRequest) string {
		return lr.Cookies[name]
	})
}

// Headers returns all request headers, keyed by lower-cased name.
func Headers(ctx context.Context) Result[Values] {
	return access(ctx, "headers()", func(lr *rendermode.LiveRequest) Values {
		return copyValues(lr.Headers)
	})
}

// Header returns one header value; an absent header yields "". Names are
// matched case-insensitively.
func Header(ctx context.Context, name string) Result[string] {
	return access(ctx, "headers().get("+strconv.Quote(name)+")", func(lr *rendermode.LiveRequest) string {
		return lr.Headers[strings.ToLower(name)]
	})
}

func copyValues(src map[string]string) Values {
	out := make(Values, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
