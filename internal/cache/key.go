package cache

import (
	"encoding/json"

	"github.com/rogers-f/prerender/internal/domain"
)

// Key identifies a memoized value by logical name and serialized arguments.
//
// Args is the encoding/json serialization of the argument list, so argument
// order is part of the identity. Map keys are emitted sorted by the encoder;
// struct fields keep their declaration order. Two different names never
// collide because Name is compared on its own.
type Key struct {
	Name string
	Args string
}

// NewKey derives the key for name called with args.
func NewKey(name string, args ...any) (Key, error) {
	if args == nil {
		args = []any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return Key{}, domain.ErrCacheKey.Wrap(err)
	}
	return Key{Name: name, Args: string(b)}, nil
}

// String renders the key for diagnostics.
func (k Key) String() string {
	return k.Name + ":" + k.Args
}

// flightKey is unambiguous even when Name contains ':'.
func (k Key) flightKey() string {
	return k.Name + "\x00" + k.Args
}
