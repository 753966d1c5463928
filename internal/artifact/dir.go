// Package artifact reads and writes build artifacts in a directory:
//
//	shell.html      the captured shell markup
//	deferred.json   the deferred state, only when the build has one
//	cache.json      the cache snapshot, a list of {name, args, value}
//	metadata.json   build metadata, written last
//
// Every file is replaced atomically, and metadata.json is written after the
// others, so a reader that sees a new metadata.json also sees the files it
// describes.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/logging"
)

// File names inside an artifact directory.
const (
	ShellFile    = "shell.html"
	DeferredFile = "deferred.json"
	CacheFile    = "cache.json"
	MetadataFile = "metadata.json"
)

// Dir is an artifact directory.
type Dir struct {
	Path string
}

// NewDir returns a Dir rooted at path. The directory is created on first
// Write.
func NewDir(path string) *Dir {
	return &Dir{Path: path}
}

func (d *Dir) file(name string) string {
	return filepath.Join(d.Path, name)
}

// Write stores a. It implements prerender.ArtifactWriter.
func (d *Dir) Write(ctx context.Context, a *domain.BuildArtifacts) error {
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	if err := writeFileAtomic(d.file(ShellFile), []byte(a.ShellMarkup), 0o644); err != nil {
		return fmt.Errorf("write shell: %w", err)
	}

	if len(a.DeferredState) > 0 {
		if err := writeFileAtomic(d.file(DeferredFile), a.DeferredState, 0o644); err != nil {
			return fmt.Errorf("write deferred state: %w", err)
		}
	} else if err := os.Remove(d.file(DeferredFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale deferred state: %w", err)
	}

	snapshot := a.CacheSnapshot
	if snapshot == nil {
		snapshot = []domain.CacheEntry{}
	}
	if err := writeJSON(d.file(CacheFile), snapshot); err != nil {
		return fmt.Errorf("write cache snapshot: %w", err)
	}

	if err := writeJSON(d.file(MetadataFile), a.Metadata); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	logging.FromContext(ctx).Info("artifacts written",
		zap.String("dir", d.Path),
		zap.String("build_id", a.Metadata.BuildID),
	)
	return nil
}

// Load reads the artifacts back. It returns domain.ErrArtifactsMissing when
// no build has been written and domain.ErrSnapshotCorrupt when the shell does
// not match the recorded checksum. The cache snapshot is not loaded.
func (d *Dir) Load() (*domain.BuildArtifacts, error) {
	metaBytes, err := os.ReadFile(d.file(MetadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrArtifactsMissing.Wrap(err)
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var a domain.BuildArtifacts
	if err := json.Unmarshal(metaBytes, &a.Metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}

	shell, err := os.ReadFile(d.file(ShellFile))
	if err != nil {
		return nil, fmt.Errorf("read shell: %w", err)
	}
	a.ShellMarkup = string(shell)
	if got := domain.ShellChecksum(a.ShellMarkup); got != a.Metadata.ShellChecksum {
		return nil, domain.NewEngineError(
			domain.ErrSnapshotCorrupt.Code,
			fmt.Sprintf("shell checksum %s, metadata says %s", got, a.Metadata.ShellChecksum),
		)
	}

	if a.Metadata.HasDeferredState {
		raw, err := os.ReadFile(d.file(DeferredFile))
		if err != nil {
			return nil, fmt.Errorf("read deferred state: %w", err)
		}
		a.DeferredState = raw
	}
	return &a, nil
}

// LoadCache reads the cache snapshot written with the last build, ordered by
// name, then arguments. A directory without a snapshot yields no entries.
func (d *Dir) LoadCache() ([]domain.CacheEntry, error) {
	raw, err := os.ReadFile(d.file(CacheFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache snapshot: %w", err)
	}
	var entries []domain.CacheEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse cache snapshot: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Args < entries[j].Args
	})
	return entries, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(b, '\n'), 0o644)
}

// writeFileAtomic replaces path through a temp file in the same directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
