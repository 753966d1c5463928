package dynamic

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/rendermode"
)

func TestCookie_PrebuildDefersAndRecords(t *testing.T) {
	p := rendermode.NewPrebuild(domain.PassFinal)
	ctx := rendermode.WithMode(context.Background(), p)

	res := Cookie(ctx, "username")

	require.True(t, res.IsDeferred())
	_, ok := res.Get()
	assert.False(t, ok)
	assert.True(t, IsDeferred(res.Err()))
	assert.Equal(t, []string{`cookies().get("username")`}, p.Expressions())
}

func TestCookie_LiveRequestReturnsValue(t *testing.T) {
	lr := &rendermode.LiveRequest{Cookies: map[string]string{"username": "Alice"}}
	ctx := rendermode.WithMode(context.Background(), lr)

	v, err := Cookie(ctx, "username").Value()
	require.NoError(t, err)
	assert.Equal(t, "Alice", v)

	v, err = Cookie(ctx, "missing").Value()
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestHeaders_LiveRequestCopies(t *testing.T) {
	lr := &rendermode.LiveRequest{Headers: map[string]string{"accept": "text/html"}}
	ctx := rendermode.WithMode(context.Background(), lr)

	h, ok := Headers(ctx).Get()
	require.True(t, ok)
	h["accept"] = "mutated"

	assert.Equal(t, "text/html", lr.Headers["accept"])
}

func TestHeader_CaseInsensitive(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "test-agent")
	ctx := rendermode.WithMode(context.Background(), rendermode.NewLiveRequest(req))

	v, err := Header(ctx, "User-Agent").Value()
	require.NoError(t, err)
	assert.Equal(t, "test-agent", v)

	v, err = Header(ctx, "user-agent").Value()
	require.NoError(t, err)
	assert.Equal(t, "test-agent", v)

	p := rendermode.NewPrebuild(domain.PassFinal)
	Header(rendermode.WithMode(context.Background(), p), "User-Agent")
	assert.Equal(t, []string{`headers().get("User-Agent")`}, p.Expressions())
}

func TestAccessors_RecordInOrder(t *testing.T) {
	p := rendermode.NewPrebuild(domain.PassFinal)
	ctx := rendermode.WithMode(context.Background(), p)

	Cookies(ctx)
	Headers(ctx)
	Header(ctx, "accept")

	assert.Equal(t, []string{"cookies()", "headers()", `headers().get("accept")`}, p.Expressions())
}

func TestAccessors_PanicWithoutContext(t *testing.T) {
	assert.Panics(t, func() { Cookies(context.Background()) })
}

func TestIsDeferred_Wrapped(t *testing.T) {
	err := fmt.Errorf("render greeting: %w", &DeferredError{Expression: "cookies()"})
	assert.True(t, IsDeferred(err))
	assert.False(t, IsDeferred(fmt.Errorf("boom")))
	assert.Contains(t, err.Error(), "cookies() is only available during a live request")
}
