package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
)

type memIndex struct {
	mu      sync.Mutex
	entries map[string]*engine.CacheEntry
}

func newMemIndex() *memIndex {
	return &memIndex{entries: make(map[string]*engine.CacheEntry)}
}

func (m *memIndex) InsertCacheEntry(ctx context.Context, entry *engine.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *entry
	m.entries[entry.PackageName+"\x00"+entry.Version] = &e
	return nil
}

func (m *memIndex) GetCacheEntry(ctx context.Context, name, version string) (*engine.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[name+"\x00"+version], nil
}

func (m *memIndex) ListCacheEntries(ctx context.Context, name string) ([]*engine.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*engine.CacheEntry
	for _, e := range m.entries {
		if e.PackageName == name {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memIndex) ListAllCacheEntries(ctx context.Context) ([]*engine.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*engine.CacheEntry
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *memIndex) DeleteCacheEntry(ctx context.Context, name, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name+"\x00"+version)
	return nil
}

// newTestCache returns a cache whose clock advances one minute per Put.
func newTestCache(t *testing.T, retention int) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := New(filepath.Join(dir, "cache"), retention, newMemIndex(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return c, dir
}

func writeArtifact(t *testing.T, dir, file string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}
	return path
}

func TestCache_PutGet(t *testing.T) {
	c, dir := newTestCache(t, DefaultRetention)
	ctx := context.Background()

	src := writeArtifact(t, dir, "yay-12.4.2-1-x86_64.pkg.tar.zst")
	entry, err := c.Put(ctx, "yay", "12.4.2-1", src)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if filepath.Dir(entry.ArtifactPath) != c.dir {
		t.Errorf("Expected artifact inside the cache, got %s", entry.ArtifactPath)
	}
	data, err := os.ReadFile(entry.ArtifactPath)
	if err != nil || string(data) != "yay-12.4.2-1-x86_64.pkg.tar.zst" {
		t.Errorf("Expected copied content, got %q (%v)", data, err)
	}

	got, err := c.Get(ctx, "yay", "12.4.2-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got.ArtifactPath != entry.ArtifactPath {
		t.Errorf("Expected %s, got %s", entry.ArtifactPath, got.ArtifactPath)
	}

	if _, err := c.Get(ctx, "yay", "0.1-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCache_RetentionEvictsOldest(t *testing.T) {
	c, dir := newTestCache(t, 3)
	ctx := context.Background()

	var paths []string
	for _, v := range []string{"1-1", "2-1", "3-1", "4-1"} {
		entry, err := c.Put(ctx, "pkgx", v, writeArtifact(t, dir, "pkgx-"+v+"-any.pkg.tar.zst"))
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		paths = append(paths, entry.ArtifactPath)
	}

	entries, _ := c.index.ListCacheEntries(ctx, "pkgx")
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if _, err := c.Get(ctx, "pkgx", "1-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected the oldest version to be evicted, got %v", err)
	}
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Errorf("Expected the oldest file to be removed, got %v", err)
	}
	for _, p := range paths[1:] {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Expected %s to be kept, got %v", p, err)
		}
	}
}

func TestCache_RetentionIsByBuildRecency(t *testing.T) {
	c, dir := newTestCache(t, 2)
	ctx := context.Background()

	// A downgrade built last is the newest entry.
	for _, v := range []string{"2-1", "3-1", "1-1"} {
		if _, err := c.Put(ctx, "tool", v, writeArtifact(t, dir, "tool-"+v+"-any.pkg.tar.zst")); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	latest, err := c.Latest(ctx, "tool")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if latest.Version != "1-1" {
		t.Errorf("Expected latest 1-1, got %s", latest.Version)
	}
	if _, err := c.Get(ctx, "tool", "2-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected 2-1 to be evicted, got %v", err)
	}
}

func TestCache_RePutReplacesEntry(t *testing.T) {
	c, dir := newTestCache(t, 3)
	ctx := context.Background()

	first, _ := c.Put(ctx, "a", "1-1", writeArtifact(t, dir, "a-1-1-any.pkg.tar.zst"))
	second, err := c.Put(ctx, "a", "1-1", writeArtifact(t, dir, "a-1-1-any.pkg.tar.zst"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	entries, _ := c.index.ListCacheEntries(ctx, "a")
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if !entries[0].BuiltAt.After(first.BuiltAt) || !entries[0].BuiltAt.Equal(second.BuiltAt) {
		t.Errorf("Expected the entry to carry the new build time")
	}
}

func TestCache_MissingFileDropsEntry(t *testing.T) {
	c, dir := newTestCache(t, 3)
	ctx := context.Background()

	entry, _ := c.Put(ctx, "a", "1-1", writeArtifact(t, dir, "a-1-1-any.pkg.tar.zst"))
	if err := os.Remove(entry.ArtifactPath); err != nil {
		t.Fatalf("Failed to remove artifact: %v", err)
	}

	if _, err := c.Latest(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if entries, _ := c.index.ListCacheEntries(ctx, "a"); len(entries) != 0 {
		t.Errorf("Expected the stale entry to be dropped, got %d", len(entries))
	}
}

func TestCache_List(t *testing.T) {
	c, dir := newTestCache(t, 3)
	ctx := context.Background()

	_, _ = c.Put(ctx, "b", "1-1", writeArtifact(t, dir, "b-1-1-any.pkg.tar.zst"))
	_, _ = c.Put(ctx, "a", "1-1", writeArtifact(t, dir, "a-1-1-any.pkg.tar.zst"))
	_, _ = c.Put(ctx, "a", "2-1", writeArtifact(t, dir, "a-2-1-any.pkg.tar.zst"))

	entries, err := c.List(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.PackageName+"="+e.Version)
	}
	expected := []string{"a=2-1", "a=1-1", "b=1-1"}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}
}

func TestCache_ConcurrentPuts(t *testing.T) {
	c, dir := newTestCache(t, 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i, v := range []string{"1-1", "2-1", "3-1", "4-1", "5-1"} {
		path := writeArtifact(t, dir, "c-"+v+"-any.pkg.tar.zst")
		wg.Add(1)
		go func(i int, v string) {
			defer wg.Done()
			if _, err := c.Put(ctx, "c", v, path); err != nil {
				t.Errorf("Put %d failed: %v", i, err)
			}
		}(i, v)
	}
	wg.Wait()

	entries, _ := c.index.ListCacheEntries(ctx, "c")
	if len(entries) != 2 {
		t.Errorf("Expected 2 entries after concurrent puts, got %d", len(entries))
	}
}

func TestNew_RejectsZeroRetention(t *testing.T) {
	if _, err := New(t.TempDir(), 0, newMemIndex(), zerolog.Nop()); err == nil {
		t.Error("Expected an error for zero retention")
	}
}
