// Package cache keeps built package files with a bounded number of
// versions per package.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
)

// DefaultRetention is the number of versions kept per package.
const DefaultRetention = 3

// ErrNotFound is returned when no cached artifact matches.
var ErrNotFound = errors.New("artifact not cached")

// Index records cache entries. ListCacheEntries returns the newest first.
type Index interface {
	InsertCacheEntry(ctx context.Context, entry *engine.CacheEntry) error
	GetCacheEntry(ctx context.Context, name, version string) (*engine.CacheEntry, error)
	ListCacheEntries(ctx context.Context, name string) ([]*engine.CacheEntry, error)
	ListAllCacheEntries(ctx context.Context) ([]*engine.CacheEntry, error)
	DeleteCacheEntry(ctx context.Context, name, version string) error
}

// Cache stores artifacts in a directory and their metadata in an Index.
type Cache struct {
	dir       string
	retention int
	index     Index
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ engine.ArtifactCache = (*Cache)(nil)

// New creates a cache in dir keeping retention versions per package.
func New(dir string, retention int, index Index, logger zerolog.Logger) (*Cache, error) {
	if retention < 1 {
		return nil, fmt.Errorf("retention must be at least 1, got %d", retention)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{
		dir:       dir,
		retention: retention,
		index:     index,
		logger:    logger.With().Str("component", "cache").Logger(),
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// lock serializes writes for one package name.
func (c *Cache) lock(name string) func() {
	c.mu.Lock()
	l, ok := c.locks[name]
	if !ok {
		l = &sync.Mutex{}
		c.locks[name] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Put copies artifactPath into the cache as (name, version) and evicts the
// oldest builds of name beyond the retention.
func (c *Cache) Put(ctx context.Context, name, version, artifactPath string) (*engine.CacheEntry, error) {
	defer c.lock(name)()

	dest := filepath.Join(c.dir, filepath.Base(artifactPath))
	if err := copyFile(artifactPath, dest); err != nil {
		return nil, fmt.Errorf("failed to copy artifact: %w", err)
	}

	entry := &engine.CacheEntry{
		PackageName:  name,
		Version:      version,
		ArtifactPath: dest,
		BuiltAt:      c.now().UTC(),
	}
	if err := c.index.InsertCacheEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record artifact: %w", err)
	}

	if err := c.evict(ctx, name); err != nil {
		c.logger.Warn().Err(err).Str("package", name).Msg("Eviction failed")
	}

	c.logger.Debug().Str("package", name).Str("version", version).Str("path", dest).Msg("Cached artifact")
	return entry, nil
}

// evict removes every entry of name beyond the newest retention.
func (c *Cache) evict(ctx context.Context, name string) error {
	entries, err := c.index.ListCacheEntries(ctx, name)
	if err != nil {
		return err
	}
	sortNewestFirst(entries)
	if len(entries) <= c.retention {
		return nil
	}

	keep := make(map[string]bool, c.retention)
	for _, e := range entries[:c.retention] {
		keep[e.ArtifactPath] = true
	}
	for _, e := range entries[c.retention:] {
		if err := c.index.DeleteCacheEntry(ctx, e.PackageName, e.Version); err != nil {
			return err
		}
		if keep[e.ArtifactPath] {
			continue
		}
		if err := os.Remove(e.ArtifactPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		c.logger.Debug().Str("package", name).Str("version", e.Version).Msg("Evicted artifact")
	}
	return nil
}

// Get returns the artifact of (name, version).
func (c *Cache) Get(ctx context.Context, name, version string) (*engine.CacheEntry, error) {
	entry, err := c.index.GetCacheEntry(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return c.present(ctx, entry)
}

// Latest returns the most recently built artifact of name.
func (c *Cache) Latest(ctx context.Context, name string) (*engine.CacheEntry, error) {
	entries, err := c.index.ListCacheEntries(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	sortNewestFirst(entries)
	return c.present(ctx, entries[0])
}

// List returns every cached artifact grouped by package, newest first.
func (c *Cache) List(ctx context.Context) ([]*engine.CacheEntry, error) {
	entries, err := c.index.ListAllCacheEntries(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].PackageName != entries[j].PackageName {
			return entries[i].PackageName < entries[j].PackageName
		}
		return entries[i].BuiltAt.After(entries[j].BuiltAt)
	})
	return entries, nil
}

// present drops entries whose file disappeared.
func (c *Cache) present(ctx context.Context, entry *engine.CacheEntry) (*engine.CacheEntry, error) {
	if _, err := os.Stat(entry.ArtifactPath); err != nil {
		c.logger.Warn().Str("path", entry.ArtifactPath).Msg("Cached artifact is missing, dropping entry")
		if err := c.index.DeleteCacheEntry(ctx, entry.PackageName, entry.Version); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return entry, nil
}

func sortNewestFirst(entries []*engine.CacheEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].BuiltAt.After(entries[j].BuiltAt)
	})
}

func copyFile(src, dest string) error {
	if filepath.Clean(src) == filepath.Clean(dest) {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".artifact-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
