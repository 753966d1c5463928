package site

import (
	"context"
	"fmt"

	"github.com/rogers-f/prerender/internal/cache"
	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/dynamic"
	"github.com/rogers-f/prerender/internal/render"
)

// Options control request-dependent blocks.
type Options struct {
	// IdentityCookie is read by greeting blocks that name no cookie.
	IdentityCookie string
	// DefaultIdentity is shown when the cookie is absent.
	DefaultIdentity string
}

// Defaults for Options fields left empty.
const (
	DefaultIdentityCookie  = "username"
	DefaultDefaultIdentity = "Guest"
)

func (o *Options) applyDefaults() {
	if o.IdentityCookie == "" {
		o.IdentityCookie = DefaultIdentityCookie
	}
	if o.DefaultIdentity == "" {
		o.DefaultIdentity = DefaultDefaultIdentity
	}
}

// Tree builds the component tree of p. Memoized reads go through store, so
// the same tree can be rendered by both build passes and at request time.
func (p *Page) Tree(store *cache.Store, reg Registry, opts Options) (render.Node, error) {
	opts.applyDefaults()

	body := make([]render.Node, 0, len(p.Blocks))
	for _, b := range p.Blocks {
		n, err := blockNode(b, store, reg, opts)
		if err != nil {
			return nil, fmt.Errorf("page %q block %q: %w", p.Name, b.BlockName(), err)
		}
		body = append(body, n)
	}

	return render.Fragment{
		render.Raw("<!DOCTYPE html>"),
		render.El("html", render.Attrs{"lang": "en"},
			render.El("head", nil,
				render.El("meta", render.Attrs{"charset": "utf-8"}),
				render.El("title", nil, render.Text(p.Title)),
			),
			render.El("body", nil, body...),
		),
	}, nil
}

func blockNode(b Block, store *cache.Store, reg Registry, opts Options) (render.Node, error) {
	switch b := b.(type) {
	case *TextBlock:
		return render.El(b.Tag, nil, render.Text(b.Value)), nil
	case *HTMLBlock:
		return render.Raw(b.Value), nil
	case *CachedBlock:
		return cachedNode(b, store, reg)
	case *GreetingBlock:
		return greetingNode(b, opts), nil
	case *HeaderBlock:
		return headerNode(b), nil
	}
	return nil, fmt.Errorf("unsupported block %T", b)
}

func cachedNode(b *CachedBlock, store *cache.Store, reg Registry) (render.Node, error) {
	produce, ok := reg[b.Producer]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrUnknownProducer.Code, fmt.Sprintf("unknown producer %q", b.Producer))
	}
	args, err := decodeArgsValue(b.Args)
	if err != nil {
		return nil, err
	}
	var keyArgs []any
	if b.Args != nil {
		keyArgs = []any{b.Args}
	}

	var n render.Node = render.ComponentFunc(func(ctx context.Context) (render.Node, error) {
		items, err := cache.Memoize(ctx, store, b.Producer, keyArgs, func(ctx context.Context) ([]Item, error) {
			return produce(ctx, args)
		})
		if err != nil {
			return nil, err
		}
		return itemList(b.Name, items), nil
	})
	if b.MemoizeOutput {
		n = &render.Cached{Store: store, Name: "block:" + b.Name, Args: keyArgs, Children: n}
	}
	if b.Boundary {
		n = &render.Boundary{Key: b.Name, Fallback: fallback(b.Name, b.Fallback), Children: n}
	}
	return n, nil
}

func itemList(name string, items []Item) render.Node {
	lis := make([]render.Node, 0, len(items))
	for _, it := range items {
		li := render.El("li", nil, render.El("strong", nil, render.Text(it.Title)))
		if it.Body != "" {
			li.Children = append(li.Children, render.Text(" "), render.El("span", nil, render.Text(it.Body)))
		}
		lis = append(lis, li)
	}
	return render.El("ul", render.Attrs{"class": name}, lis...)
}

func fallback(name, text string) render.Node {
	return render.El("p", render.Attrs{"class": name + " loading"}, render.Text(text))
}

func greetingNode(b *GreetingBlock, opts Options) render.Node {
	cookie := b.Cookie
	if cookie == "" {
		cookie = opts.IdentityCookie
	}
	def := b.Default
	if def == "" {
		def = opts.DefaultIdentity
	}
	return &render.Boundary{
		Key:      b.Name,
		Fallback: fallback(b.Name, b.Fallback),
		Children: render.ComponentFunc(func(ctx context.Context) (render.Node, error) {
			name, err := dynamic.Cookie(ctx, cookie).Value()
			if err != nil {
				return nil, err
			}
			if name == "" {
				name = def
			}
			return render.El("p", render.Attrs{"class": b.Name}, render.Text(fmt.Sprintf(b.Format, name))), nil
		}),
	}
}

func headerNode(b *HeaderBlock) render.Node {
	return &render.Boundary{
		Key:      b.Name,
		Fallback: fallback(b.Name, b.Fallback),
		Children: render.ComponentFunc(func(ctx context.Context) (render.Node, error) {
			v, err := dynamic.Header(ctx, b.Header).Value()
			if err != nil {
				return nil, err
			}
			if v == "" {
				v = b.Default
			}
			return render.El("p", render.Attrs{"class": b.Name}, render.Text(fmt.Sprintf(b.Format, v))), nil
		}),
	}
}
