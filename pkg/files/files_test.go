package files

import (
	"context"
	"encoding/base64"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
)

func strPtr(s string) *string { return &s }

func TestWrite_CreatesParentsAndMode(t *testing.T) {
	m := NewManager(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "etc", "conf.d", "vconsole.conf")

	changed, err := m.Write(context.Background(), engine.FileSpec{Path: path, Content: strPtr("KEYMAP=us"), Mode: 0o600})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !changed {
		t.Error("Expected first write to report a change")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if string(data) != "KEYMAP=us" {
		t.Errorf("Expected content 'KEYMAP=us', got %q", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected mode 0600, got %04o", info.Mode().Perm())
	}
}

func TestWrite_UnchangedIsNoop(t *testing.T) {
	m := NewManager(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "hosts")
	spec := engine.FileSpec{Path: path, Content: strPtr("127.0.0.1 localhost\n")}

	if _, err := m.Write(context.Background(), spec); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	changed, err := m.Write(context.Background(), spec)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if changed {
		t.Error("Expected identical write to be a no-op")
	}

	spec.Mode = 0o640
	changed, err = m.Write(context.Background(), spec)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !changed {
		t.Error("Expected a mode change to rewrite the file")
	}

	spec.Content = strPtr("changed")
	if changed, _ = m.Write(context.Background(), spec); !changed {
		t.Error("Expected a content change to rewrite the file")
	}
}

func TestWrite_Sources(t *testing.T) {
	m := NewManager(zerolog.Nop())
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("from source"), 0o644); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}

	tests := []struct {
		name     string
		spec     engine.FileSpec
		expected string
		wantErr  bool
	}{
		{name: "source file", spec: engine.FileSpec{Source: src}, expected: "from source"},
		{name: "base64", spec: engine.FileSpec{Content: strPtr(base64.StdEncoding.EncodeToString([]byte{0, 1, 2})), Encoding: "base64"}, expected: "\x00\x01\x02"},
		{name: "utf-8", spec: engine.FileSpec{Content: strPtr("text"), Encoding: "utf-8"}, expected: "text"},
		{name: "bad base64", spec: engine.FileSpec{Content: strPtr("!!"), Encoding: "base64"}, wantErr: true},
		{name: "unknown encoding", spec: engine.FileSpec{Content: strPtr("x"), Encoding: "latin1"}, wantErr: true},
		{name: "no content", spec: engine.FileSpec{}, wantErr: true},
		{name: "missing source", spec: engine.FileSpec{Source: filepath.Join(dir, "nope")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.spec.Path = filepath.Join(dir, "out", tt.name)
			_, err := m.Write(context.Background(), tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			data, _ := os.ReadFile(tt.spec.Path)
			if string(data) != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, data)
			}
		})
	}
}

func TestWrite_OwnerIsCurrentUser(t *testing.T) {
	current, err := user.Current()
	if err != nil {
		t.Skipf("no current user: %v", err)
	}
	m := NewManager(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "owned", "file")

	changed, err := m.Write(context.Background(), engine.FileSpec{Path: path, Content: strPtr("x"), Owner: current.Username})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !changed {
		t.Error("Expected a change")
	}
	if changed, _ := m.Write(context.Background(), engine.FileSpec{Path: path, Content: strPtr("x"), Owner: current.Username}); changed {
		t.Error("Expected the second write to be a no-op")
	}
}

func TestWrite_UnknownOwner(t *testing.T) {
	m := NewManager(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "f")

	if _, err := m.Write(context.Background(), engine.FileSpec{Path: path, Content: strPtr("x"), Owner: "no-such-user-declman"}); err == nil {
		t.Error("Expected an error for an unknown owner")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected nothing to be written")
	}
}

func TestRemove(t *testing.T) {
	m := NewManager(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "f")
	_ = os.WriteFile(path, []byte("x"), 0o644)

	if err := m.Remove(context.Background(), path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected file to be removed")
	}
	if err := m.Remove(context.Background(), path); err != nil {
		t.Errorf("Expected removing a missing file to succeed, got: %v", err)
	}
}

func TestRemove_NonEmptyDirectoryFails(t *testing.T) {
	m := NewManager(zerolog.Nop())
	dir := filepath.Join(t.TempDir(), "d")
	_ = os.MkdirAll(filepath.Join(dir, "child"), 0o755)

	if err := m.Remove(context.Background(), dir); err == nil {
		t.Error("Expected an error removing a non-empty directory")
	}
}

func TestExpand(t *testing.T) {
	m := NewManager(zerolog.Nop())
	src := t.TempDir()
	_ = os.MkdirAll(filepath.Join(src, "sub"), 0o755)
	_ = os.WriteFile(filepath.Join(src, "a.conf"), []byte("a"), 0o600)
	_ = os.WriteFile(filepath.Join(src, "sub", "b.conf"), []byte("b"), 0o644)

	specs, err := m.Expand(engine.DirectorySpec{Path: "/home/me/.config/app", Source: src, Owner: "me"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var paths []string
	for _, s := range specs {
		paths = append(paths, s.Path)
		if s.Owner != "me" {
			t.Errorf("Expected owner me, got %q", s.Owner)
		}
	}
	expected := []string{"/home/me/.config/app/a.conf", "/home/me/.config/app/sub/b.conf"}
	if !reflect.DeepEqual(paths, expected) {
		t.Errorf("Expected %v, got %v", expected, paths)
	}
	if specs[0].Mode != 0o600 || specs[1].Mode != 0o644 {
		t.Errorf("Expected source modes to be kept, got %04o and %04o", specs[0].Mode, specs[1].Mode)
	}
	if specs[0].Source != filepath.Join(src, "a.conf") {
		t.Errorf("Expected source path, got %q", specs[0].Source)
	}

	specs, _ = m.Expand(engine.DirectorySpec{Path: "/x", Source: src, Mode: 0o640})
	for _, s := range specs {
		if s.Mode != 0o640 {
			t.Errorf("Expected declared mode 0640, got %04o", s.Mode)
		}
	}
}

func TestExpand_SourceMustBeDirectory(t *testing.T) {
	m := NewManager(zerolog.Nop())
	file := filepath.Join(t.TempDir(), "f")
	_ = os.WriteFile(file, []byte("x"), 0o644)

	if _, err := m.Expand(engine.DirectorySpec{Path: "/x", Source: file}); err == nil {
		t.Error("Expected an error for a file source")
	}
	if _, err := m.Expand(engine.DirectorySpec{Path: "/x", Source: file + "-missing"}); err == nil {
		t.Error("Expected an error for a missing source")
	}
}
