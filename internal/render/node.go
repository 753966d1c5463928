package render

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rogers-f/prerender/internal/cache"
)

// Node is one element of a component tree.
type Node interface {
	node()
}

// Text is escaped character data.
type Text string

// Raw is markup emitted verbatim.
type Raw string

// Attrs are element attributes. They are emitted sorted by name.
type Attrs map[string]string

// Element is an HTML element.
type Element struct {
	Tag      string
	Attrs    Attrs
	Children []Node
}

// Fragment groups nodes without a wrapper element.
type Fragment []Node

// ComponentFunc produces a subtree when rendered. Returning an error that
// wraps *dynamic.DeferredError postpones the nearest enclosing Boundary.
type ComponentFunc func(ctx context.Context) (Node, error)

// Boundary marks a subtree that may complete after the shell. Until it does,
// Fallback is shown in its place. Boundaries nested inside another boundary
// are rendered as part of the outer one.
type Boundary struct {
	Key      string
	Fallback Node
	Children Node
}

// Cached renders Children once per (Name, Args) and serves the markup from
// Store afterwards.
type Cached struct {
	Store    *cache.Store
	Name     string
	Args     []any
	Children Node
}

func (Text) node()          {}
func (Raw) node()           {}
func (*Element) node()      {}
func (Fragment) node()      {}
func (ComponentFunc) node() {}
func (*Boundary) node()     {}
func (*Cached) node()       {}

// El is shorthand for an Element.
func El(tag string, attrs Attrs, children ...Node) *Element {
	return &Element{Tag: tag, Attrs: attrs, Children: children}
}

var boundaryKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validateBoundaryKey(key string) error {
	if !boundaryKeyPattern.MatchString(key) {
		return fmt.Errorf("render: invalid boundary key %q", key)
	}
	return nil
}
