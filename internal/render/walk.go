package render

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rogers-f/prerender/internal/cache"
	"github.com/rogers-f/prerender/internal/dynamic"
)

var voidElements = map[string]bool{
	"area": true, "br": true, "hr": true, "img": true, "input": true,
	"link": true, "meta": true, "source": true,
}

type slotStatus int

const (
	slotPending slotStatus = iota
	slotComplete
	slotFailed
)

// slot is a boundary discovered in the shell.
type slot struct {
	key      string
	fallback string
	children Node
	skip     bool // already present in a previously sent shell

	status  slotStatus
	content string
	err     error
}

func (s *slot) deferred() bool {
	return s.status == slotFailed && dynamic.IsDeferred(s.err)
}

// segment is either literal markup or a boundary placeholder.
type segment struct {
	text string
	slot *slot
}

// queue collects finished boundaries in completion order.
type queue struct {
	mu     sync.Mutex
	done   []*slot
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(s *slot) {
	q.mu.Lock()
	q.done = append(q.done, s)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []*slot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.done
	q.done = nil
	return out
}

// walker renders the part of a tree outside boundaries and launches one task
// per boundary.
type walker struct {
	g     *errgroup.Group
	q     *queue
	skip  func(key string) bool
	slots []*slot
	keys  map[string]bool
	segs  []segment
	buf   strings.Builder
}

func newWalker(g *errgroup.Group, q *queue, skip func(string) bool) *walker {
	return &walker{g: g, q: q, skip: skip, keys: make(map[string]bool)}
}

func (w *walker) flush() {
	if w.buf.Len() > 0 {
		w.segs = append(w.segs, segment{text: w.buf.String()})
		w.buf.Reset()
	}
}

func (w *walker) shell(ctx context.Context, root Node) error {
	if err := w.walk(ctx, root); err != nil {
		return err
	}
	w.flush()
	return nil
}

func (w *walker) walk(ctx context.Context, n Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, ok := n.(*Boundary)
	if !ok {
		return writeNode(ctx, &w.buf, n, w.walk)
	}

	if err := validateBoundaryKey(b.Key); err != nil {
		return err
	}
	if w.keys[b.Key] {
		return fmt.Errorf("render: duplicate boundary key %q", b.Key)
	}
	w.keys[b.Key] = true

	fallback, err := renderInline(ctx, b.Fallback)
	if err != nil {
		return fmt.Errorf("render fallback %s: %w", b.Key, err)
	}
	s := &slot{key: b.Key, fallback: fallback, children: b.Children}
	w.flush()
	w.segs = append(w.segs, segment{slot: s})
	w.slots = append(w.slots, s)

	if w.skip != nil && w.skip(b.Key) {
		s.skip = true
		return nil
	}
	w.g.Go(func() error {
		content, err := renderInline(ctx, s.children)
		if err != nil {
			s.status, s.err = slotFailed, err
		} else {
			s.status, s.content = slotComplete, content
		}
		w.q.push(s)
		return nil
	})
	return nil
}

// renderInline renders a subtree to a string, flattening any boundaries in it.
func renderInline(ctx context.Context, n Node) (string, error) {
	var b strings.Builder
	var walk func(context.Context, Node) error
	walk = func(ctx context.Context, n Node) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bd, ok := n.(*Boundary); ok {
			return walk(ctx, bd.Children)
		}
		return writeNode(ctx, &b, n, walk)
	}
	if err := walk(ctx, n); err != nil {
		return "", err
	}
	return b.String(), nil
}

// writeNode renders every node kind except Boundary, recursing through walk.
func writeNode(ctx context.Context, b *strings.Builder, n Node, walk func(context.Context, Node) error) error {
	switch n := n.(type) {
	case nil:
		return nil
	case Text:
		b.WriteString(html.EscapeString(string(n)))
	case Raw:
		b.WriteString(string(n))
	case Fragment:
		for _, c := range n {
			if err := walk(ctx, c); err != nil {
				return err
			}
		}
	case *Element:
		writeOpenTag(b, n)
		if voidElements[n.Tag] {
			return nil
		}
		for _, c := range n.Children {
			if err := walk(ctx, c); err != nil {
				return err
			}
		}
		b.WriteString("</" + n.Tag + ">")
	case ComponentFunc:
		child, err := n(ctx)
		if err != nil {
			return err
		}
		return walk(ctx, child)
	case *Cached:
		if n.Store == nil {
			return walk(ctx, n.Children)
		}
		out, err := cache.MemoizeOutput(ctx, n.Store, n.Name, n.Args, func(ctx context.Context) (string, error) {
			return renderInline(ctx, n.Children)
		})
		if err != nil {
			return err
		}
		b.WriteString(out)
	default:
		return fmt.Errorf("render: unsupported node %T", n)
	}
	return nil
}

func writeOpenTag(b *strings.Builder, e *Element) {
	b.WriteString("<" + e.Tag)
	names := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(b, ` %s="%s"`, k, html.EscapeString(e.Attrs[k]))
	}
	b.WriteString(">")
}

func placeholder(s *slot, inner string) string {
	return `<div id="B:` + s.key + `">` + inner + `</div>`
}

func chunk(s *slot) string {
	return `<div hidden id="S:` + s.key + `">` + s.content + `</div><script>$RC("B:` + s.key + `","S:` + s.key + `")</script>`
}

// runtimeScript swaps a streamed boundary into its placeholder.
const runtimeScript = `<script>function $RC(b,s){var t=document.getElementById(b),n=document.getElementById(s);if(!t||!n)return;t.innerHTML=n.innerHTML;n.remove()}</script>`

// assemble joins segments, rendering each slot with fill.
func assemble(segs []segment, fill func(*slot) string) string {
	var b strings.Builder
	for _, seg := range segs {
		if seg.slot != nil {
			b.WriteString(fill(seg.slot))
			continue
		}
		b.WriteString(seg.text)
	}
	return b.String()
}
