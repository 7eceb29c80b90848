// Package files writes and removes the files declared in the system spec.
package files

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
)

const (
	// DefaultFileMode applies when a spec leaves Mode zero.
	DefaultFileMode fs.FileMode = 0o644
	dirMode         fs.FileMode = 0o755
)

// Manager implements engine.FileManager on the local filesystem.
type Manager struct {
	logger zerolog.Logger
}

var _ engine.FileManager = (*Manager)(nil)

// NewManager creates a file manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger.With().Str("component", "files").Logger()}
}

// Expand lists the regular files under dir.Source as specs rooted at
// dir.Path. A zero dir.Mode keeps each source file's permissions.
func (m *Manager) Expand(dir engine.DirectorySpec) ([]engine.FileSpec, error) {
	info, err := os.Stat(dir.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to stat directory source: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("directory source is not a directory: %s", dir.Source)
	}

	var specs []engine.FileSpec
	err = filepath.WalkDir(dir.Source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir.Source, path)
		if err != nil {
			return err
		}
		mode := dir.Mode
		if mode == 0 {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			mode = fi.Mode().Perm()
		}
		specs = append(specs, engine.FileSpec{
			Path:   filepath.Join(dir.Path, rel),
			Source: path,
			Owner:  dir.Owner,
			Group:  dir.Group,
			Mode:   mode,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir.Source, err)
	}
	return specs, nil
}

// Write makes spec.Path hold the declared content, mode and ownership. It
// reports whether anything on disk changed.
func (m *Manager) Write(ctx context.Context, spec engine.FileSpec) (bool, error) {
	if spec.Path == "" {
		return false, fmt.Errorf("path is required")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	content, err := m.content(spec)
	if err != nil {
		return false, err
	}
	mode := spec.Mode.Perm()
	if mode == 0 {
		mode = DefaultFileMode
	}
	uid, gid, err := lookupOwner(spec.Owner, spec.Group)
	if err != nil {
		return false, err
	}

	if current, err := os.ReadFile(spec.Path); err == nil {
		info, statErr := os.Stat(spec.Path)
		if statErr == nil && bytes.Equal(current, content) && info.Mode().Perm() == mode && ownedBy(info, uid, gid) {
			return false, nil
		}
	}

	if err := m.mkdirParents(filepath.Dir(spec.Path), uid, gid); err != nil {
		return false, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(spec.Path), "."+filepath.Base(spec.Path)+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return false, fmt.Errorf("failed to set mode: %w", err)
	}
	if uid >= 0 || gid >= 0 {
		if err := os.Chown(tmpPath, uid, gid); err != nil {
			return false, fmt.Errorf("failed to set ownership: %w", err)
		}
	}
	if err := os.Rename(tmpPath, spec.Path); err != nil {
		return false, fmt.Errorf("failed to replace file: %w", err)
	}

	m.logger.Debug().Str("path", spec.Path).Str("mode", fmt.Sprintf("%04o", mode)).Msg("Wrote file")
	return true, nil
}

// Remove deletes path. A file that is already gone is not an error.
func (m *Manager) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	m.logger.Debug().Str("path", path).Msg("Removed file")
	return nil
}

func (m *Manager) content(spec engine.FileSpec) ([]byte, error) {
	if spec.Content == nil {
		if spec.Source == "" {
			return nil, fmt.Errorf("file %s has neither content nor source", spec.Path)
		}
		data, err := os.ReadFile(spec.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to read source: %w", err)
		}
		return data, nil
	}

	switch spec.Encoding {
	case "", "utf-8", "utf8":
		return []byte(*spec.Content), nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(*spec.Content)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 content for %s: %w", spec.Path, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q for %s", spec.Encoding, spec.Path)
	}
}

// mkdirParents creates missing directories up to dir, handing the new ones
// to the file's owner.
func (m *Manager) mkdirParents(dir string, uid, gid int) error {
	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		}
		missing = append(missing, d)
		if parent := filepath.Dir(d); parent == d {
			break
		}
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if uid < 0 && gid < 0 {
		return nil
	}
	for _, d := range missing {
		if err := os.Chown(d, uid, gid); err != nil {
			return fmt.Errorf("failed to set directory ownership: %w", err)
		}
	}
	return nil
}

// lookupOwner resolves names to ids; -1 leaves the id unchanged. An owner
// without a group uses the owner's primary group.
func lookupOwner(owner, group string) (int, int, error) {
	uid, gid := -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return 0, 0, fmt.Errorf("unknown owner %q: %w", owner, err)
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return 0, 0, fmt.Errorf("invalid uid for %q: %w", owner, err)
		}
		if group == "" {
			if gid, err = strconv.Atoi(u.Gid); err != nil {
				return 0, 0, fmt.Errorf("invalid gid for %q: %w", owner, err)
			}
		}
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return 0, 0, fmt.Errorf("unknown group %q: %w", group, err)
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return 0, 0, fmt.Errorf("invalid gid for %q: %w", group, err)
		}
	}
	return uid, gid, nil
}

func ownedBy(info fs.FileInfo, uid, gid int) bool {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return true
	}
	if uid >= 0 && int(stat.Uid) != uid {
		return false
	}
	if gid >= 0 && int(stat.Gid) != gid {
		return false
	}
	return true
}
