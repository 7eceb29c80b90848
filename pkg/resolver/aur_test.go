package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestRegistry(t *testing.T, packages ...RegistryPackage) (*httptest.Server, *int) {
	t.Helper()
	requests := 0
	byName := make(map[string]RegistryPackage)
	for _, p := range packages {
		byName[p.Name] = p
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc/v5/info", func(w http.ResponseWriter, r *http.Request) {
		requests++
		resp := rpcResponse{Type: "multiinfo"}
		for _, name := range r.URL.Query()["arg[]"] {
			if p, ok := byName[name]; ok {
				resp.Results = append(resp.Results, p)
			}
		}
		resp.ResultCount = len(resp.Results)
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/rpc/v5/search/", func(w http.ResponseWriter, r *http.Request) {
		requests++
		dep := strings.TrimPrefix(r.URL.Path, "/rpc/v5/search/")
		if r.URL.Query().Get("by") != "provides" {
			http.Error(w, "bad search", http.StatusBadRequest)
			return
		}
		resp := rpcResponse{Type: "search"}
		for _, p := range byName {
			for _, provided := range p.Provides {
				if StripDependency(provided) == dep {
					resp.Results = append(resp.Results, RegistryPackage{Name: p.Name})
				}
			}
		}
		resp.ResultCount = len(resp.Results)
		_ = json.NewEncoder(w).Encode(resp)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &requests
}

func TestAURClient_Info(t *testing.T) {
	server, _ := newTestRegistry(t, RegistryPackage{
		Name: "yay", PackageBase: "yay", Version: "12.4.2-1",
		Depends: []string{"pacman>6.1", "git"}, MakeDepends: []string{"go"},
	})
	client := NewAURClient(server.URL, 5*time.Second, zerolog.Nop())

	got, err := client.Info(context.Background(), []string{"yay", "missing"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 package, got %d", len(got))
	}
	if got["yay"].Version != "12.4.2-1" {
		t.Errorf("Expected version 12.4.2-1, got %s", got["yay"].Version)
	}
	if !reflect.DeepEqual(got["yay"].MakeDepends, []string{"go"}) {
		t.Errorf("Expected make depends [go], got %v", got["yay"].MakeDepends)
	}
}

func TestAURClient_Info_Batches(t *testing.T) {
	server, requests := newTestRegistry(t)
	client := NewAURClient(server.URL, 5*time.Second, zerolog.Nop())

	names := make([]string, 450)
	for i := range names {
		names[i] = fmt.Sprintf("pkg%d", i)
	}
	if _, err := client.Info(context.Background(), names); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if *requests != 3 {
		t.Errorf("Expected 3 requests, got %d", *requests)
	}
}

func TestAURClient_SearchProvides(t *testing.T) {
	server, _ := newTestRegistry(t,
		RegistryPackage{Name: "zeta-java", Provides: []string{"java-env=21"}},
		RegistryPackage{Name: "alpha-java", Provides: []string{"java-env"}},
	)
	client := NewAURClient(server.URL, 5*time.Second, zerolog.Nop())

	got, err := client.SearchProvides(context.Background(), "java-env")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"alpha-java", "zeta-java"}) {
		t.Errorf("Expected sorted providers, got %v", got)
	}
}

func TestAURClient_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "search") {
			_ = json.NewEncoder(w).Encode(rpcResponse{Type: "error", Error: "Too many package results."})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	client := NewAURClient(server.URL, 5*time.Second, zerolog.Nop())

	if _, err := client.Info(context.Background(), []string{"a"}); err == nil {
		t.Error("Expected an error for HTTP 503")
	}
	_, err := client.SearchProvides(context.Background(), "a")
	if err == nil || !strings.Contains(err.Error(), "Too many package results") {
		t.Errorf("Expected the RPC error message, got %v", err)
	}
}

func TestAURClient_Timeout(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)
	client := NewAURClient(server.URL, 50*time.Millisecond, zerolog.Nop())

	if _, err := client.Info(context.Background(), []string{"slow"}); err == nil {
		t.Error("Expected a timeout error")
	}
}

func TestAURClient_SourceLocation(t *testing.T) {
	client := NewAURClient("", time.Second, zerolog.Nop())
	expected := "https://aur.archlinux.org/yay.git"
	if got := client.SourceLocation("yay"); got != expected {
		t.Errorf("Expected %s, got %s", expected, got)
	}
}

func TestStripDependency(t *testing.T) {
	tests := map[string]string{
		"glibc":          "glibc",
		"pacman>6.1":     "pacman",
		"python>=3.11":   "python",
		"libfoo.so=1-64": "libfoo.so",
		"bar<2":          "bar",
	}
	for in, expected := range tests {
		if got := StripDependency(in); got != expected {
			t.Errorf("StripDependency(%q): expected %q, got %q", in, expected, got)
		}
	}
}

func TestIsDevelopment(t *testing.T) {
	for _, name := range []string{"neovim-git", "foo-hg", "bar-bzr", "baz-svn", "q-cvs", "d-darcs"} {
		if !IsDevelopment(name) {
			t.Errorf("Expected %s to be a development package", name)
		}
	}
	for _, name := range []string{"yay", "git", "github-cli", "gitea"} {
		if IsDevelopment(name) {
			t.Errorf("Expected %s not to be a development package", name)
		}
	}
}
