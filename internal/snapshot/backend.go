// Package snapshot provides content-addressed workspace snapshots and the
// undo/redo algorithm built on top of them.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/storage"
)

// Backend tracks workspace state and restores it, mirroring the original
// undo/redo contract of track/diff/restore_paths.
type Backend interface {
	// ID names the backend implementation, stored on RevertState.BackendID.
	ID() string
	// Track snapshots worktree's current file contents and returns a
	// snapshot id addressing that state.
	Track(ctx context.Context, worktree string) (snapshotID string, err error)
	// Diff returns the paths (relative to worktree) that differ between
	// two snapshots.
	Diff(ctx context.Context, worktree, fromSnapshot, toSnapshot string) ([]string, error)
	// RestorePaths rewrites paths in worktree to match their content in
	// snapshotID, deleting files that did not exist in that snapshot.
	RestorePaths(ctx context.Context, worktree, snapshotID string, paths []string) error
}

// manifest maps a worktree-relative path to the content hash of its blob.
type manifest map[string]string

// ContentBackend is a Backend built on internal/storage's flat-file JSON
// store, used here as a content-addressed blob backend: each distinct file
// content is written once under ["blobs", hash], and each snapshot is a
// manifest of path->hash under ["snapshots", id].
type ContentBackend struct {
	blobs *storage.Storage
}

// NewContentBackend wraps an existing storage root. Callers typically point
// it at a dedicated subdirectory of the session data root, e.g.
// storage.New(filepath.Join(dataDir, "snapshots")).
func NewContentBackend(blobs *storage.Storage) *ContentBackend {
	return &ContentBackend{blobs: blobs}
}

func (b *ContentBackend) ID() string { return "content" }

func (b *ContentBackend) Track(ctx context.Context, worktree string) (string, error) {
	m, err := scanWorktree(worktree)
	if err != nil {
		return "", fmt.Errorf("snapshot: scan worktree: %w", err)
	}

	for relPath, hash := range m {
		data, err := os.ReadFile(filepath.Join(worktree, relPath))
		if err != nil {
			return "", fmt.Errorf("snapshot: read %s: %w", relPath, err)
		}
		if err := b.blobs.Put(ctx, []string{"blobs", hash}, blob{Content: data}); err != nil {
			return "", fmt.Errorf("snapshot: store blob %s: %w", hash, err)
		}
	}

	id := string(domain.NewPublicID())
	if err := b.blobs.Put(ctx, []string{"snapshots", id}, m); err != nil {
		return "", fmt.Errorf("snapshot: store manifest: %w", err)
	}
	return id, nil
}

func (b *ContentBackend) Diff(ctx context.Context, worktree, fromSnapshot, toSnapshot string) ([]string, error) {
	from, err := b.loadManifest(ctx, fromSnapshot)
	if err != nil {
		return nil, err
	}
	to, err := b.loadManifest(ctx, toSnapshot)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var changed []string
	for path, hash := range from {
		if to[path] != hash {
			changed = append(changed, path)
		}
		seen[path] = struct{}{}
	}
	for path := range to {
		if _, ok := seen[path]; ok {
			continue
		}
		changed = append(changed, path)
	}
	sort.Strings(changed)
	return changed, nil
}

func (b *ContentBackend) RestorePaths(ctx context.Context, worktree, snapshotID string, paths []string) error {
	m, err := b.loadManifest(ctx, snapshotID)
	if err != nil {
		return err
	}

	for _, relPath := range paths {
		hash, ok := m[relPath]
		absPath := filepath.Join(worktree, relPath)
		if !ok {
			if err := os.Remove(absPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("snapshot: remove %s: %w", relPath, err)
			}
			continue
		}

		var blk blob
		if err := b.blobs.Get(ctx, []string{"blobs", hash}, &blk); err != nil {
			return fmt.Errorf("snapshot: load blob %s: %w", hash, err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return fmt.Errorf("snapshot: mkdir for %s: %w", relPath, err)
		}
		if err := os.WriteFile(absPath, blk.Content, 0o644); err != nil {
			return fmt.Errorf("snapshot: write %s: %w", relPath, err)
		}
	}
	return nil
}

func (b *ContentBackend) loadManifest(ctx context.Context, snapshotID string) (manifest, error) {
	var m manifest
	if err := b.blobs.Get(ctx, []string{"snapshots", snapshotID}, &m); err != nil {
		return nil, fmt.Errorf("snapshot: load manifest %s: %w", snapshotID, err)
	}
	return m, nil
}

type blob struct {
	Content []byte `json:"content"`
}

// scanWorktree walks worktree, skipping VCS metadata, and hashes every
// regular file's content. Paths are worktree-relative with forward slashes.
func scanWorktree(worktree string) (manifest, error) {
	m := make(manifest)
	err := filepath.Walk(worktree, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(worktree, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		m[rel] = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
