package site

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Block is one content block of a page.
type Block interface {
	BlockName() string
}

// TextBlock renders escaped text inside a single element.
type TextBlock struct {
	Name  string
	Tag   string
	Value string
}

// HTMLBlock renders trusted markup verbatim.
type HTMLBlock struct {
	Name  string
	Value string
}

// CachedBlock renders the items returned by a registered producer. The
// producer's result is memoized under (Producer, Args).
type CachedBlock struct {
	Name     string
	Producer string
	// Args is the compact JSON object passed to the producer, or nil.
	Args json.RawMessage
	// Boundary wraps the block in a boundary showing Fallback until the
	// data is available.
	Boundary bool
	Fallback string
	// MemoizeOutput additionally caches the rendered markup of the block.
	MemoizeOutput bool
}

// GreetingBlock greets the visitor named by an identity cookie. It always
// renders inside a boundary keyed by its name, since the cookie is only
// known at request time.
type GreetingBlock struct {
	Name     string
	Cookie   string
	Default  string
	Format   string
	Fallback string
}

// HeaderBlock shows one request header inside a boundary.
type HeaderBlock struct {
	Name     string
	Header   string
	Default  string
	Format   string
	Fallback string
}

func (b *TextBlock) BlockName() string     { return b.Name }
func (b *HTMLBlock) BlockName() string     { return b.Name }
func (b *CachedBlock) BlockName() string   { return b.Name }
func (b *GreetingBlock) BlockName() string { return b.Name }
func (b *HeaderBlock) BlockName() string   { return b.Name }

type hclText struct {
	Tag   string `hcl:"tag,optional"`
	Value string `hcl:"value"`
}

type hclHTML struct {
	Value string `hcl:"value"`
}

type hclCached struct {
	Producer      string         `hcl:"producer"`
	Args          hcl.Expression `hcl:"args,optional"`
	Boundary      bool           `hcl:"boundary,optional"`
	Fallback      string         `hcl:"fallback,optional"`
	MemoizeOutput bool           `hcl:"memoize_output,optional"`
}

type hclGreeting struct {
	Cookie   string `hcl:"cookie,optional"`
	Default  string `hcl:"default,optional"`
	Format   string `hcl:"format,optional"`
	Fallback string `hcl:"fallback,optional"`
}

type hclHeader struct {
	Header   string `hcl:"name"`
	Default  string `hcl:"default,optional"`
	Format   string `hcl:"format,optional"`
	Fallback string `hcl:"fallback,optional"`
}

func decodeBlock(hb *hcl.Block) (Block, hcl.Diagnostics) {
	name := hb.Labels[0]
	switch hb.Type {
	case "text":
		var t hclText
		if diags := gohcl.DecodeBody(hb.Body, nil, &t); diags.HasErrors() {
			return nil, diags
		}
		if t.Tag == "" {
			t.Tag = "p"
		}
		return &TextBlock{Name: name, Tag: t.Tag, Value: t.Value}, nil

	case "html":
		var h hclHTML
		if diags := gohcl.DecodeBody(hb.Body, nil, &h); diags.HasErrors() {
			return nil, diags
		}
		return &HTMLBlock{Name: name, Value: h.Value}, nil

	case "cached":
		var c hclCached
		if diags := gohcl.DecodeBody(hb.Body, nil, &c); diags.HasErrors() {
			return nil, diags
		}
		args, diags := decodeArgs(c.Args)
		if diags.HasErrors() {
			return nil, diags
		}
		return &CachedBlock{
			Name:          name,
			Producer:      c.Producer,
			Args:          args,
			Boundary:      c.Boundary,
			Fallback:      c.Fallback,
			MemoizeOutput: c.MemoizeOutput,
		}, nil

	case "greeting":
		var g hclGreeting
		if diags := gohcl.DecodeBody(hb.Body, nil, &g); diags.HasErrors() {
			return nil, diags
		}
		if g.Format == "" {
			g.Format = "Hello, %s!"
		}
		if diags := checkFormat(hb, g.Format); diags.HasErrors() {
			return nil, diags
		}
		return &GreetingBlock{Name: name, Cookie: g.Cookie, Default: g.Default, Format: g.Format, Fallback: g.Fallback}, nil

	case "header":
		var h hclHeader
		if diags := gohcl.DecodeBody(hb.Body, nil, &h); diags.HasErrors() {
			return nil, diags
		}
		if h.Format == "" {
			h.Format = "%s"
		}
		if diags := checkFormat(hb, h.Format); diags.HasErrors() {
			return nil, diags
		}
		return &HeaderBlock{Name: name, Header: strings.ToLower(h.Header), Default: h.Default, Format: h.Format, Fallback: h.Fallback}, nil
	}

	return nil, hcl.Diagnostics{{
		Severity: hcl.DiagError,
		Summary:  "Unsupported block type",
		Detail:   fmt.Sprintf("Blocks of type %q are not supported in a page.", hb.Type),
		Subject:  hb.TypeRange.Ptr(),
	}}
}

// checkFormat requires exactly one %s verb and no other verbs.
func checkFormat(hb *hcl.Block, format string) hcl.Diagnostics {
	if strings.Count(format, "%") == 1 && strings.Count(format, "%s") == 1 {
		return nil
	}
	return hcl.Diagnostics{{
		Severity: hcl.DiagError,
		Summary:  "Invalid format",
		Detail:   fmt.Sprintf("format %q must contain exactly one %%s.", format),
		Subject:  hb.DefRange.Ptr(),
	}}
}

// decodeArgs evaluates a static args expression and encodes it as JSON.
// A missing or null expression yields nil.
func decodeArgs(expr hcl.Expression) (json.RawMessage, hcl.Diagnostics) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	if val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Invalid args",
			Detail:   fmt.Sprintf("args must be an object, got %s.", ty.FriendlyName()),
			Subject:  expr.Range().Ptr(),
		}}
	}
	if !val.IsWhollyKnown() {
		return nil, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Invalid args",
			Detail:   "args must be known when the site is loaded.",
			Subject:  expr.Range().Ptr(),
		}}
	}
	raw, err := ctyjson.Marshal(val, ty)
	if err != nil {
		return nil, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Invalid args",
			Detail:   err.Error(),
			Subject:  expr.Range().Ptr(),
		}}
	}
	return raw, nil
}
