package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/prerender/internal/artifact"
)

func writeTestConfig(t *testing.T, extra map[string]any) (cfgPath, outDir string) {
	t.Helper()
	dir := t.TempDir()
	outDir = filepath.Join(dir, "out")
	cfg := map[string]any{
		"db_path":           filepath.Join(dir, "state", "prerender.db"),
		"artifact_dir":      outDir,
		"grace_window_ms":   50,
		"settle_quantum_ms": 1,
		"posts_latency_ms":  5,
		"log_level":         "error",
	}
	for k, v := range extra {
		cfg[k] = v
	}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	cfgPath = filepath.Join(dir, "prerender.json")
	require.NoError(t, os.WriteFile(cfgPath, b, 0o644))
	return cfgPath, outDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuild_WritesArtifacts(t *testing.T) {
	cfgPath, outDir := writeTestConfig(t, nil)

	out, err := execute(t, "build", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "3 cache entries")
	assert.Contains(t, out, `dynamic (cookies().get("username"))`)

	a, err := artifact.NewDir(outDir).Load()
	require.NoError(t, err)
	assert.True(t, a.Metadata.HasDeferredState)
	assert.Contains(t, a.ShellMarkup, "Post 1")
}

func TestBuild_Diff(t *testing.T) {
	cfgPath, _ := writeTestConfig(t, nil)

	out, err := execute(t, "build", "--diff", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "no previous build to compare")

	out, err = execute(t, "build", "--diff", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "shell unchanged")
}

func TestBuild_UnknownProducer(t *testing.T) {
	sitePath := filepath.Join(t.TempDir(), "site.hcl")
	require.NoError(t, os.WriteFile(sitePath, []byte(`page "home" {
  path = "/"
  cached "feed" { producer = "feed" }
}`), 0o644))
	cfgPath, _ := writeTestConfig(t, map[string]any{"site_path": sitePath})

	_, err := execute(t, "build", "--config", cfgPath, "--verbose")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown producer")
}

func TestBuild_ShellBudgetGate(t *testing.T) {
	cfgPath, outDir := writeTestConfig(t, map[string]any{"max_shell_bytes": 64, "strict_cache": true})

	_, err := execute(t, "build", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shell_budget: shell is")

	_, err = artifact.NewDir(outDir).Load()
	assert.Error(t, err)
}

func TestCache_StatsAndClear(t *testing.T) {
	cfgPath, _ := writeTestConfig(t, nil)
	_, err := execute(t, "build", "--config", cfgPath)
	require.NoError(t, err)

	out, err := execute(t, "cache", "stats", "--config", cfgPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "3 entries"), out)
	assert.Contains(t, out, `posts:[{"limit":3}]`)

	out, err = execute(t, "cache", "clear", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "removed 3 entries\n", out)

	out, err = execute(t, "cache", "stats", "--config", cfgPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "0 entries"), out)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "prerender dev (commit=none, built=unknown)\n", out)
}

func TestBadConfig(t *testing.T) {
	_, err := execute(t, "build", "--config", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
