package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rogers-f/prerender/internal/domain"
)

// Memoize returns the cached value for (name, args) or computes it with
// producer.
//
// A hit returns immediately without calling producer and without touching the
// completion signal. A miss counts one in-flight read for the whole time
// producer runs, stores the result on success and always ends the read, even
// when producer fails. Failures are not cached; they are returned wrapped in
// domain.ErrProducerFailed with the original cause still reachable through
// errors.Is / errors.As.
//
// Concurrent misses for the same key run producer once.
func Memoize[T any](ctx context.Context, s *Store, name string, args []any, producer func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	key, err := NewKey(name, args...)
	if err != nil {
		return zero, err
	}

	if raw, ok := s.Get(key); ok {
		s.hits.Add(1)
		return decode[T](raw)
	}

	s.noteMiss(ctx, key)
	end := s.beginRead()
	defer end()

	for {
		var ran bool
		res, err, _ := s.flight.Do(key.flightKey(), func() (any, error) {
			ran = true
			if raw, ok := s.Get(key); ok {
				return raw, nil
			}
			v, err := producer(ctx)
			if err != nil {
				return nil, domain.ErrProducerFailed.Wrap(err)
			}
			raw, err := encode(v)
			if err != nil {
				return nil, err
			}
			s.put(key, raw)
			return raw, nil
		})
		if err != nil {
			// Another caller's cancellation is not ours: compute again.
			if !ran && isCancellation(err) && ctx.Err() == nil {
				continue
			}
			return zero, err
		}
		return decode[T](res.(json.RawMessage))
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// MemoizeOutput caches an entire rendered subtree under (name, args). It has
// the same key derivation and counting discipline as Memoize; on a hit the
// subtree is not executed at all.
func MemoizeOutput(ctx context.Context, s *Store, name string, args []any, produce func(ctx context.Context) (string, error)) (string, error) {
	return Memoize(ctx, s, name, args, produce)
}
