package resume

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rogers-f/prerender/internal/artifact"
	"github.com/rogers-f/prerender/internal/cache"
	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/dynamic"
	"github.com/rogers-f/prerender/internal/prerender"
	"github.com/rogers-f/prerender/internal/render"
	"github.com/rogers-f/prerender/internal/site"
)

func pageTree(t *testing.T, src string) TreeFunc {
	t.Helper()
	s, err := site.Parse([]byte(src), "test.hcl")
	require.NoError(t, err)
	p, err := s.Page("/")
	require.NoError(t, err)
	return func(store *cache.Store) (render.Node, error) {
		return p.Tree(store, site.DefaultRegistry(0), site.Options{})
	}
}

// build runs a full two-pass build of tree and returns the artifacts.
func build(t *testing.T, tree TreeFunc, capture bool) *domain.BuildArtifacts {
	t.Helper()
	c := prerender.NewCoordinator(nil, nil, prerender.Options{
		GraceWindow:          50 * time.Millisecond,
		ProspectiveTimeout:   5 * time.Second,
		CaptureDeferredState: capture,
		SettleQuantum:        time.Millisecond,
	}, zap.NewNop())
	root, err := tree(c.Cache)
	require.NoError(t, err)
	a, err := c.Build(context.Background(), root)
	require.NoError(t, err)
	return a
}

func get(t *testing.T, h http.Handler, cookie string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "username", Value: cookie})
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const staticPage = `page "home" {
  path = "/"
  text "heading" {
    tag   = "h1"
    value = "Static"
  }
  cached "posts" {
    producer = "posts"
    args     = { limit = 2 }
  }
}`

func TestServe_StaticPageIsByteIdentical(t *testing.T) {
	tree := pageTree(t, staticPage)
	a := build(t, tree, true)
	require.False(t, a.Metadata.HasDynamicContent)

	r := New(nil, func(*cache.Store) (render.Node, error) {
		t.Fatal("static pages must not be rendered at request time")
		return nil, nil
	}, nil)
	require.NoError(t, r.Load(a))

	rec := get(t, r, "Alice")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ModeStatic, rec.Header().Get("X-Prerender-Mode"))
	assert.Equal(t, a.Metadata.BuildID, rec.Header().Get("X-Prerender-Build"))
	assert.Equal(t, a.ShellMarkup, rec.Body.String())
}

func TestServe_ResumesPostponedGreeting(t *testing.T) {
	tree := pageTree(t, site.DefaultSite)
	a := build(t, tree, true)
	require.True(t, a.Metadata.HasDeferredState)

	r := New(nil, tree, nil)
	require.NoError(t, r.Load(a))

	rec := get(t, r, "Alice")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ModeResume, rec.Header().Get("X-Prerender-Mode"))
	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, a.ShellMarkup))
	tail := strings.TrimPrefix(body, a.ShellMarkup)
	assert.Contains(t, tail, `<div hidden id="S:welcome"><p class="welcome">Hello, Alice!</p></div>`)
	assert.NotContains(t, tail, "Post 1", "completed boundaries are not streamed again")

	rec = get(t, r, "")
	assert.Contains(t, rec.Body.String(), "Hello, Guest!")
}

func TestServe_ResumesSlowStaticBoundary(t *testing.T) {
	tree := func(*cache.Store) (render.Node, error) {
		return render.El("html", nil, render.El("body", nil, &render.Boundary{
			Key:      "slow",
			Fallback: render.Text("Loading..."),
			Children: render.ComponentFunc(func(ctx context.Context) (render.Node, error) {
				select {
				case <-time.After(200 * time.Millisecond):
					return render.Text("Slow content"), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}),
		})), nil
	}
	a := build(t, tree, true)
	require.False(t, a.Metadata.HasDynamicContent)
	require.True(t, a.Metadata.HasDeferredState)
	assert.Equal(t, []string{"slow"}, a.Metadata.SlowBoundaries)

	r := New(nil, tree, nil)
	require.NoError(t, r.Load(a))

	rec := get(t, r, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ModeResume, rec.Header().Get("X-Prerender-Mode"))
	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, a.ShellMarkup))
	assert.Contains(t, strings.TrimPrefix(body, a.ShellMarkup), `<div hidden id="S:slow">Slow content</div>`)
}

func TestServe_StreamingBuildRendersFullPage(t *testing.T) {
	tree := pageTree(t, site.DefaultSite)
	a := build(t, tree, false)
	require.True(t, a.Metadata.HasDynamicContent)
	require.False(t, a.Metadata.HasDeferredState)

	r := New(nil, tree, nil)
	require.NoError(t, r.Load(a))

	rec := get(t, r, "Bob")
	assert.Equal(t, ModeDynamic, rec.Header().Get("X-Prerender-Mode"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "<!DOCTYPE html>"))
	assert.Contains(t, body, "Hello, Bob!")
	assert.Contains(t, body, "Post 3")
}

func TestServe_RootPostponedRendersFullPage(t *testing.T) {
	tree := func(*cache.Store) (render.Node, error) {
		return render.ComponentFunc(func(ctx context.Context) (render.Node, error) {
			name, err := dynamic.Cookie(ctx, "username").Value()
			if err != nil {
				return nil, err
			}
			return render.El("p", nil, render.Text("Signed in as "+name)), nil
		}), nil
	}
	a := build(t, tree, true)
	require.Empty(t, a.ShellMarkup)
	require.True(t, a.Metadata.HasDeferredState)

	r := New(nil, tree, nil)
	require.NoError(t, r.Load(a))

	rec := get(t, r, "Carol")
	assert.Equal(t, "<p>Signed in as Carol</p>", rec.Body.String())
}

func TestServe_NoBuildLoaded(t *testing.T) {
	rec := get(t, New(nil, nil, nil), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func dynamicArtifacts(state json.RawMessage, shell string) *domain.BuildArtifacts {
	return &domain.BuildArtifacts{
		ShellMarkup:   shell,
		DeferredState: state,
		Metadata: domain.BuildMetadata{
			BuildID:           "b-test",
			HasDynamicContent: true,
			HasDeferredState:  state != nil,
			ShellChecksum:     domain.ShellChecksum(shell),
		},
	}
}

func TestServe_ShellFailureIs500(t *testing.T) {
	tree := func(*cache.Store) (render.Node, error) {
		return render.ComponentFunc(func(context.Context) (render.Node, error) {
			return nil, errors.New("template exploded")
		}), nil
	}
	r := New(nil, tree, nil)
	require.NoError(t, r.Load(dynamicArtifacts(nil, "")))

	rec := get(t, r, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error\n", rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "exploded")
}

func TestServe_BoundaryFailureAfterShellKeepsFallback(t *testing.T) {
	tree := func(*cache.Store) (render.Node, error) {
		return &render.Boundary{
			Key:      "x",
			Fallback: render.Text("loading"),
			Children: render.ComponentFunc(func(context.Context) (render.Node, error) {
				return nil, errors.New("backend down")
			}),
		}, nil
	}
	shell := `<div id="B:x">loading</div>`
	r := New(nil, tree, nil)
	require.NoError(t, r.Load(dynamicArtifacts(json.RawMessage(`{"version":1,"boundaries":["x"]}`), shell)))

	rec := get(t, r, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, shell, rec.Body.String())
}

func TestLoad_RejectsUnknownStateVersion(t *testing.T) {
	r := New(nil, pageTree(t, site.DefaultSite), nil)
	err := r.Load(dynamicArtifacts(json.RawMessage(`{"version":99}`), ""))
	assert.ErrorIs(t, err, domain.ErrResumeUnsupported)
	assert.Nil(t, r.Artifacts())
}

func TestLoadDir_SeedsRequestCache(t *testing.T) {
	tree := pageTree(t, site.DefaultSite)
	a := build(t, tree, true)
	d := artifact.NewDir(t.TempDir())
	require.NoError(t, d.Write(context.Background(), a))

	r := New(nil, tree, nil)
	require.NoError(t, r.LoadDir(d))
	assert.Equal(t, a.Metadata.BuildID, r.Artifacts().Metadata.BuildID)

	stats, ok := r.CacheStats()
	require.True(t, ok)
	assert.Equal(t, len(a.CacheSnapshot), stats.Count)
}

func TestWatch_ReloadsNewBuild(t *testing.T) {
	tree := pageTree(t, site.DefaultSite)
	d := artifact.NewDir(t.TempDir())
	first := build(t, tree, true)
	require.NoError(t, d.Write(context.Background(), first))

	r := New(nil, tree, nil)
	require.NoError(t, r.LoadDir(d))

	w, err := r.Watch(context.Background(), d, 10*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	second := build(t, tree, true)
	require.NoError(t, d.Write(context.Background(), second))

	require.Eventually(t, func() bool {
		return r.Artifacts().Metadata.BuildID == second.Metadata.BuildID
	}, 2*time.Second, 10*time.Millisecond)
}
