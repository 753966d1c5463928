package prerender

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/rogers-f/prerender/internal/domain"
)

// ShellDiff returns a unified diff between two shells, one tag per line.
// It returns "" when they are identical.
func ShellDiff(prevName, prev, nextName, next string) (string, error) {
	if prev == next {
		return "", nil
	}
	u := difflib.UnifiedDiff{
		A:        tagLines(prev),
		B:        tagLines(next),
		FromFile: prevName,
		ToFile:   nextName,
		Context:  3,
	}
	s, err := difflib.GetUnifiedDiffString(u)
	if err != nil {
		return "", fmt.Errorf("diff shells: %w", err)
	}
	return s, nil
}

func tagLines(markup string) []string {
	if markup == "" {
		return []string{}
	}
	return difflib.SplitLines(strings.ReplaceAll(markup, "><", ">\n<"))
}

// Summary is a one-line human description of a build.
func Summary(a *domain.BuildArtifacts) string {
	m := a.Metadata
	var b strings.Builder
	fmt.Fprintf(&b, "build %s: shell %s, %d cache entries", m.BuildID, humanize.Bytes(uint64(m.ShellBytes)), m.CacheEntries)
	if len(a.DeferredState) > 0 {
		fmt.Fprintf(&b, ", deferred state %s", humanize.Bytes(uint64(len(a.DeferredState))))
	}
	switch {
	case m.HasDynamicContent:
		fmt.Fprintf(&b, ", dynamic (%s)", strings.Join(m.DynamicExpressions, ", "))
	case len(m.SlowBoundaries) == 0:
		b.WriteString(", fully static")
	}
	if len(m.SlowBoundaries) > 0 {
		fmt.Fprintf(&b, ", slow boundaries (%s)", strings.Join(m.SlowBoundaries, ", "))
	}
	return b.String()
}
