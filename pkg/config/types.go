package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/declman/declman/pkg/executor"
)

// SystemSpec is the decoded declarative spec of one machine.
type SystemSpec struct {
	// Packages are installed from the distribution repositories.
	Packages []string `json:"packages,omitempty" validate:"dive,required"`

	// CommunityPackages are built from the community source registry.
	CommunityPackages []string `json:"community_packages,omitempty" validate:"dive,required"`

	// UserPackages are built from sources the user describes.
	UserPackages []UserPackageConfig `json:"user_packages,omitempty" validate:"dive"`

	// Ignored packages are never installed, removed or upgraded.
	Ignored []string `json:"ignored,omitempty" validate:"dive,required"`

	// Files maps absolute target paths to their declaration.
	Files map[string]FileConfig `json:"files,omitempty" validate:"dive"`

	// Directories maps absolute target directories to a source tree.
	Directories map[string]DirectoryConfig `json:"directories,omitempty" validate:"dive"`

	Units     []string            `json:"units,omitempty" validate:"dive,required"`
	UserUnits map[string][]string `json:"user_units,omitempty"`

	Modules []ModuleConfig `json:"modules,omitempty" validate:"dive"`
}

// UserPackageConfig describes a package whose metadata the user supplies.
type UserPackageConfig struct {
	Name              string   `json:"name" validate:"required"`
	Base              string   `json:"base,omitempty"`
	Version           string   `json:"version" validate:"required"`
	Provides          []string `json:"provides,omitempty"`
	Dependencies      []string `json:"dependencies,omitempty"`
	MakeDependencies  []string `json:"make_dependencies,omitempty"`
	CheckDependencies []string `json:"check_dependencies,omitempty"`
	SourceLocation    string   `json:"source_location" validate:"required"`
}

// FileConfig declares one managed file. Exactly one of Content and Source
// is set.
type FileConfig struct {
	Content  *string `json:"content,omitempty"`
	Source   string  `json:"source,omitempty"`
	Owner    string  `json:"owner,omitempty"`
	Group    string  `json:"group,omitempty"`
	Mode     string  `json:"mode,omitempty"`
	Encoding string  `json:"encoding,omitempty" validate:"omitempty,oneof=utf-8 base64"`
}

// DirectoryConfig copies a source tree to a target directory.
type DirectoryConfig struct {
	Source string `json:"source" validate:"required"`
	Owner  string `json:"owner,omitempty"`
	Group  string `json:"group,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// ModuleConfig is a module whose lifecycle hooks are commands.
type ModuleConfig struct {
	Name    string      `json:"name" validate:"required"`
	Version string      `json:"version" validate:"required"`
	Enabled bool        `json:"enabled"`
	User    string      `json:"user,omitempty"`
	Hooks   HooksConfig `json:"hooks,omitempty"`
}

// HooksConfig lists the commands run for each lifecycle event.
type HooksConfig struct {
	OnEnable           []CommandLine `json:"on_enable,omitempty"`
	OnDisable          []CommandLine `json:"on_disable,omitempty"`
	AfterVersionChange []CommandLine `json:"after_version_change,omitempty"`
	AfterUpdate        []CommandLine `json:"after_update,omitempty"`
}

// CommandLine is an argv. It decodes from a list of arguments or from a
// single string split with shell quoting rules.
type CommandLine []string

func (c *CommandLine) UnmarshalJSON(data []byte) error {
	var line string
	if err := json.Unmarshal(data, &line); err == nil {
		argv, err := executor.Split(line)
		if err != nil {
			return fmt.Errorf("invalid command %q: %w", line, err)
		}
		if len(argv) == 0 {
			return fmt.Errorf("empty command")
		}
		*c = argv
		return nil
	}

	var argv []string
	if err := json.Unmarshal(data, &argv); err != nil {
		return fmt.Errorf("command must be a string or a list of strings: %w", err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	*c = argv
	return nil
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the location of the offending value (e.g. "files./etc/hosts").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one spec.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	lines := make([]string, 0, len(v))
	for _, e := range v {
		lines = append(lines, e.String())
	}
	return fmt.Sprintf("invalid spec (%d errors):\n  %s", len(v), strings.Join(lines, "\n  "))
}
