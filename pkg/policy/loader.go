package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Loader reads policies from files and directories.
//
// A .rego file becomes one policy named after the file. Leading comment
// lines form its description, except for "severity:" lines, which set the
// default severity of its violations:
//
//	# Keep the display manager running.
//	# severity: warning
//	package site.display
//
// A .json file holds a Policy document with the Rego code inline.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
// Directories are walked recursively in lexical order.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if !info.IsDir() {
		p, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ext := filepath.Ext(p); ext == ".rego" || ext == ".json" {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)

	policies := make([]Policy, 0, len(files))
	for _, f := range files {
		p, err := l.loadFromFile(f)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, nil
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = parseRegoFile(path, data)
	case ".json":
		p, err = parseJSONFile(path, data)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Msg("Policy loaded from file")

	return p, nil
}

// parseRegoFile parses a .rego file into a Policy.
func parseRegoFile(path string, data []byte) (*Policy, error) {
	p := &Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     string(data),
		Severity: SeverityError,
		Enabled:  true,
		Source:   path,
	}

	var description []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if sev, ok := strings.CutPrefix(comment, "severity:"); ok {
			p.Severity = Severity(strings.TrimSpace(sev))
			if !p.Severity.Valid() {
				return nil, fmt.Errorf("unknown severity %q", p.Severity)
			}
			continue
		}
		if comment != "" {
			description = append(description, comment)
		}
	}
	p.Description = strings.Join(description, " ")

	return p, nil
}

// parseJSONFile parses a JSON policy definition.
func parseJSONFile(path string, data []byte) (*Policy, error) {
	p := &Policy{Enabled: true}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if p.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego code", p.Name)
	}
	p.Source = path
	return p, nil
}
