// Package site loads page definitions written in HCL and turns them into
// component trees for the render engine.
//
// A definition file holds one or more page blocks. Each page lists its
// content blocks in document order:
//
//	page "home" {
//	  path  = "/"
//	  title = "Home"
//
//	  text "heading" {
//	    tag   = "h1"
//	    value = "Welcome"
//	  }
//	  greeting "welcome" {}
//	  cached "posts" {
//	    producer = "posts"
//	    args     = { limit = 3 }
//	  }
//	}
package site

import (
	"fmt"
	"os"
	"regexp"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/rogers-f/prerender/internal/domain"
)

// Site is a parsed definition file.
type Site struct {
	Filename string
	Pages    []*Page
}

// Page is one page and its content blocks in document order.
type Page struct {
	Name   string
	Path   string
	Title  string
	Blocks []Block
}

type hclFile struct {
	Pages []*hclPage `hcl:"page,block"`
}

type hclPage struct {
	Name  string   `hcl:"name,label"`
	Path  string   `hcl:"path"`
	Title string   `hcl:"title,optional"`
	Body  hcl.Body `hcl:",remain"`
}

var pageBodySchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "text", LabelNames: []string{"name"}},
		{Type: "html", LabelNames: []string{"name"}},
		{Type: "cached", LabelNames: []string{"name"}},
		{Type: "greeting", LabelNames: []string{"name"}},
		{Type: "header", LabelNames: []string{"name"}},
	},
}

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Load parses the definition file at path.
func Load(path string) (*Site, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read site %s: %w", path, err)
	}
	return Parse(src, path)
}

// Parse parses definition source. filename is only used in diagnostics.
func Parse(src []byte, filename string) (*Site, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, domain.ErrSiteInvalid.Wrap(diags)
	}

	var raw hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, domain.ErrSiteInvalid.Wrap(diags)
	}

	s := &Site{Filename: filename}
	paths := make(map[string]string)
	for _, rp := range raw.Pages {
		p, diags := decodePage(rp)
		if diags.HasErrors() {
			return nil, domain.ErrSiteInvalid.Wrap(diags)
		}
		if prev, dup := paths[p.Path]; dup {
			return nil, domain.NewEngineError(domain.ErrSiteInvalid.Code,
				fmt.Sprintf("%s: pages %q and %q share path %q", filename, prev, p.Name, p.Path))
		}
		paths[p.Path] = p.Name
		s.Pages = append(s.Pages, p)
	}
	if len(s.Pages) == 0 {
		return nil, domain.NewEngineError(domain.ErrSiteInvalid.Code, filename+": no pages defined")
	}
	return s, nil
}

func decodePage(rp *hclPage) (*Page, hcl.Diagnostics) {
	p := &Page{Name: rp.Name, Path: rp.Path, Title: rp.Title}
	if p.Title == "" {
		p.Title = p.Name
	}

	content, diags := rp.Body.Content(pageBodySchema)
	if diags.HasErrors() {
		return nil, diags
	}

	seen := make(map[string]bool)
	for _, hb := range content.Blocks {
		label := hb.Labels[0]
		if !labelPattern.MatchString(label) {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid block name",
				Detail:   fmt.Sprintf("Block name %q may only contain letters, digits, '-' and '_'.", label),
				Subject:  hb.LabelRanges[0].Ptr(),
			})
			continue
		}
		if seen[label] {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate block name",
				Detail:   fmt.Sprintf("Page %q already has a block named %q.", p.Name, label),
				Subject:  hb.LabelRanges[0].Ptr(),
			})
			continue
		}
		seen[label] = true

		b, blockDiags := decodeBlock(hb)
		diags = append(diags, blockDiags...)
		if b != nil {
			p.Blocks = append(p.Blocks, b)
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}
	return p, diags
}

// Page returns the page served at path.
func (s *Site) Page(path string) (*Page, error) {
	for _, p := range s.Pages {
		if p.Path == path {
			return p, nil
		}
	}
	return nil, domain.NewEngineError(domain.ErrPageNotFound.Code, fmt.Sprintf("no page at %q", path))
}

// Validate checks that every cached block names a producer in reg.
func (s *Site) Validate(reg Registry) error {
	for _, p := range s.Pages {
		for _, b := range p.Blocks {
			cb, ok := b.(*CachedBlock)
			if !ok {
				continue
			}
			if _, ok := reg[cb.Producer]; !ok {
				return domain.NewEngineError(domain.ErrUnknownProducer.Code,
					fmt.Sprintf("page %q block %q: unknown producer %q", p.Name, cb.Name, cb.Producer))
			}
		}
	}
	return nil
}
