package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var systemSchema string

// Format is the syntax of a spec file.
type Format string

const (
	FormatCUE  Format = "cue"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"

	// FormatStarlark is a script whose global "system" holds the declaration.
	FormatStarlark Format = "starlark"
)

// DefaultStarlarkTimeout bounds the run time of a Starlark spec.
const DefaultStarlarkTimeout = 30 * time.Second

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	case ".star":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("unsupported spec format: %s", path)
	}
}

// Loader parses spec files and validates them against the embedded CUE
// schema and the struct tags of SystemSpec.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate

	// StarlarkTimeout bounds Starlark specs. Zero disables the limit.
	StarlarkTimeout time.Duration
}

// NewLoader compiles the schema.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(systemSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Loader{
		ctx:             ctx,
		schema:          schema.LookupPath(cue.ParsePath("#System")),
		validator:       validator.New(),
		StarlarkTimeout: DefaultStarlarkTimeout,
	}, nil
}

// LoadFile reads and validates the spec at path. Relative file and
// directory sources are resolved against the directory of path.
func (l *Loader) LoadFile(path string) (*SystemSpec, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec: %w", err)
	}

	spec, err := l.Parse(content, format, path)
	if err != nil {
		return nil, err
	}
	spec.resolveSources(filepath.Dir(path))
	return spec, nil
}

// Parse decodes content of the given format. filename only labels errors.
func (l *Loader) Parse(content []byte, format Format, filename string) (*SystemSpec, error) {
	val, err := l.compile(content, format, filename)
	if err != nil {
		return nil, err
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err)
	}
	var spec SystemSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}

	if errs := l.validate(&spec); len(errs) > 0 {
		for i := range errs {
			errs[i].File = filename
		}
		return nil, errs
	}
	return &spec, nil
}

func (l *Loader) compile(content []byte, format Format, filename string) (cue.Value, error) {
	if format == FormatCUE {
		val := l.ctx.CompileBytes(content, cue.Filename(filename))
		if err := val.Err(); err != nil {
			return cue.Value{}, convertCUEErrors(err)
		}
		return val, nil
	}

	raw := map[string]interface{}{}
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(content, &raw)
	case FormatTOML:
		_, err = toml.Decode(string(content), &raw)
	case FormatJSON:
		err = json.Unmarshal(content, &raw)
	case FormatStarlark:
		raw, err = evalStarlark(content, filename, l.StarlarkTimeout)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return cue.Value{}, ValidationErrors{{File: filename, Message: err.Error()}}
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	val := l.ctx.Encode(raw)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// validate runs the struct tags and the rules CUE cannot express.
func (l *Loader) validate(spec *SystemSpec) ValidationErrors {
	var errs ValidationErrors
	if err := l.validator.Struct(spec); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				errs = append(errs, ValidationError{
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
				})
			}
		} else {
			errs = append(errs, ValidationError{Message: err.Error()})
		}
	}

	for _, path := range slices.Sorted(maps.Keys(spec.Files)) {
		file := spec.Files[path]
		if !filepath.IsAbs(path) {
			errs = append(errs, ValidationError{Path: "files." + path, Message: "path must be absolute"})
		}
		if (file.Content == nil) == (file.Source == "") {
			errs = append(errs, ValidationError{Path: "files." + path, Message: "exactly one of content and source is required"})
		}
		if _, err := parseMode(file.Mode); err != nil {
			errs = append(errs, ValidationError{Path: "files." + path, Message: err.Error()})
		}
	}
	for _, path := range slices.Sorted(maps.Keys(spec.Directories)) {
		if !filepath.IsAbs(path) {
			errs = append(errs, ValidationError{Path: "directories." + path, Message: "path must be absolute"})
		}
		if _, err := parseMode(spec.Directories[path].Mode); err != nil {
			errs = append(errs, ValidationError{Path: "directories." + path, Message: err.Error()})
		}
	}

	seen := make(map[string]bool)
	for _, p := range spec.UserPackages {
		if seen[p.Name] {
			errs = append(errs, ValidationError{Path: "user_packages." + p.Name, Message: "declared more than once"})
		}
		seen[p.Name] = true
	}
	modules := make(map[string]bool)
	for _, m := range spec.Modules {
		if modules[m.Name] {
			errs = append(errs, ValidationError{Path: "modules." + m.Name, Message: "declared more than once"})
		}
		modules[m.Name] = true
	}
	for user := range spec.UserUnits {
		if user == "" {
			errs = append(errs, ValidationError{Path: "user_units", Message: "user name must not be empty"})
		}
	}
	return errs
}

func (s *SystemSpec) resolveSources(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for path, file := range s.Files {
		file.Source = abs(file.Source)
		s.Files[path] = file
	}
	for path, dir := range s.Directories {
		dir.Source = abs(dir.Source)
		s.Directories[path] = dir
	}
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
