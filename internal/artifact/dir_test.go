package artifact

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/prerender/internal/domain"
)

func sampleArtifacts(shell string, deferred json.RawMessage) *domain.BuildArtifacts {
	return &domain.BuildArtifacts{
		ShellMarkup:   shell,
		DeferredState: deferred,
		Metadata: domain.BuildMetadata{
			BuildID:            "b-1",
			HasDynamicContent:  deferred != nil,
			HasDeferredState:   deferred != nil,
			DynamicExpressions: []string{},
			BuildTime:          "2026-01-02T03:04:05Z",
			ShellChecksum:      domain.ShellChecksum(shell),
			ShellBytes:         len(shell),
			CacheEntries:       1,
		},
		CacheSnapshot: []domain.CacheEntry{
			{Name: "posts", Args: "[2]", Value: json.RawMessage(`["a","b"]`)},
		},
	}
}

func TestDir_WriteAndLoad(t *testing.T) {
	d := NewDir(filepath.Join(t.TempDir(), "out"))
	in := sampleArtifacts("<p>hi</p>", json.RawMessage(`{"version":1,"boundaries":["greeting"]}`))

	require.NoError(t, d.Write(context.Background(), in))

	got, err := d.Load()
	require.NoError(t, err)
	assert.Equal(t, in.ShellMarkup, got.ShellMarkup)
	assert.Equal(t, in.Metadata, got.Metadata)
	assert.JSONEq(t, string(in.DeferredState), string(got.DeferredState))

	raw, err := os.ReadFile(filepath.Join(d.Path, CacheFile))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"posts","args":"[2]","value":["a","b"]}]`, string(raw))

	meta, err := os.ReadFile(filepath.Join(d.Path, MetadataFile))
	require.NoError(t, err)
	assert.Contains(t, string(meta), `"dynamic_accesses": []`)
	assert.Contains(t, string(meta), `"has_dynamic_content": true`)
}

func TestDir_NoTempFilesLeft(t *testing.T) {
	d := NewDir(t.TempDir())
	require.NoError(t, d.Write(context.Background(), sampleArtifacts("<p/>", nil)))

	entries, err := os.ReadDir(d.Path)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{ShellFile, CacheFile, MetadataFile}, names)
}

func TestDir_StaleDeferredStateRemoved(t *testing.T) {
	d := NewDir(t.TempDir())
	ctx := context.Background()

	require.NoError(t, d.Write(ctx, sampleArtifacts("<p>1</p>", json.RawMessage(`{"version":1}`))))
	require.NoError(t, d.Write(ctx, sampleArtifacts("<p>2</p>", nil)))

	_, err := os.Stat(filepath.Join(d.Path, DeferredFile))
	assert.True(t, os.IsNotExist(err))

	got, err := d.Load()
	require.NoError(t, err)
	assert.Nil(t, got.DeferredState)
	assert.Equal(t, "<p>2</p>", got.ShellMarkup)
}

func TestDir_LoadMissing(t *testing.T) {
	_, err := NewDir(t.TempDir()).Load()
	assert.ErrorIs(t, err, domain.ErrArtifactsMissing)
}

func TestDir_LoadCorruptShell(t *testing.T) {
	d := NewDir(t.TempDir())
	require.NoError(t, d.Write(context.Background(), sampleArtifacts("<p>ok</p>", nil)))
	require.NoError(t, os.WriteFile(filepath.Join(d.Path, ShellFile), []byte("<p>edited</p>"), 0o644))

	_, err := d.Load()
	assert.ErrorIs(t, err, domain.ErrSnapshotCorrupt)
}

func TestDir_LoadCache(t *testing.T) {
	d := NewDir(t.TempDir())
	a := sampleArtifacts("<p/>", nil)
	a.CacheSnapshot = append(a.CacheSnapshot, domain.CacheEntry{
		Name: "block:quote", Args: `[{"index":2}]`, Value: json.RawMessage(`"<ul></ul>"`),
	})
	require.NoError(t, d.Write(context.Background(), a))

	got, err := d.LoadCache()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "block:quote", got[0].Name)
	assert.Equal(t, `[{"index":2}]`, got[0].Args)
	assert.Equal(t, "posts", got[1].Name)
	assert.Equal(t, "[2]", got[1].Args)
	assert.JSONEq(t, `["a","b"]`, string(got[1].Value))
}

func TestDir_LoadCacheAwkwardNames(t *testing.T) {
	d := NewDir(t.TempDir())
	a := sampleArtifacts("<p/>", nil)
	a.CacheSnapshot = []domain.CacheEntry{
		{Name: "feed:[home]", Args: `[{"tags":["a"]}]`, Value: json.RawMessage(`1`)},
		{Name: "feed", Args: `[[1]]`, Value: json.RawMessage(`2`)},
	}
	require.NoError(t, d.Write(context.Background(), a))

	got, err := d.LoadCache()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.CacheEntry{Name: "feed", Args: `[[1]]`, Value: json.RawMessage(`2`)}, got[0])
	assert.Equal(t, domain.CacheEntry{Name: "feed:[home]", Args: `[{"tags":["a"]}]`, Value: json.RawMessage(`1`)}, got[1])
}

func TestDir_LoadCacheMissing(t *testing.T) {
	got, err := NewDir(t.TempDir()).LoadCache()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWatcher_CallsOnChange(t *testing.T) {
	d := NewDir(t.TempDir())
	changed := make(chan struct{}, 4)
	w := NewWatcher(d, 20*time.Millisecond, nil, func() { changed <- struct{}{} })

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, d.Write(context.Background(), sampleArtifacts("<p>new</p>", nil)))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnChange not called after metadata was replaced")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	d := NewDir(t.TempDir())
	changed := make(chan struct{}, 1)
	w := NewWatcher(d, 10*time.Millisecond, nil, func() { changed <- struct{}{} })

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(d.Path, "notes.txt"), []byte("x"), 0o644))

	select {
	case <-changed:
		t.Fatal("OnChange called for an unrelated file")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w := NewWatcher(NewDir(t.TempDir()), time.Millisecond, nil, func() {})
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}

func TestWatcher_StartMissingDir(t *testing.T) {
	w := NewWatcher(NewDir(filepath.Join(t.TempDir(), "missing")), time.Millisecond, nil, func() {})
	assert.Error(t, w.Start(context.Background()))
}
