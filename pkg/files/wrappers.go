package files

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"text/template"

	"mvdan.cc/sh/v3/syntax"

	"github.com/declman/declman/pkg/engine"
)

// AllowEnv lets a single package manager call through a guard wrapper.
const AllowEnv = "DECLMAN_ALLOW"

const wrapperMode = 0o755

// ancestorDepth bounds the walk up the process tree.
const ancestorDepth = 12

var wrapperTemplate = template.Must(template.New("wrapper").Parse(`#!/usr/bin/env bash
set -euo pipefail
REAL_BIN={{.Real}}

called_by_declman() {
  local p=$PPID
  local depth=0
  while [[ $p -gt 1 && $depth -lt {{.Depth}} ]]; do
    if grep -qa 'declman' "/proc/$p/cmdline" 2>/dev/null; then
      return 0
    fi
    p=$(awk '{print $4}' "/proc/$p/stat" 2>/dev/null || echo 1)
    depth=$((depth+1))
  done
  return 1
}

if [[ "${ {{- .AllowEnv}}:-}" == "1" ]] || called_by_declman; then
  exec "$REAL_BIN" "$@"
fi

block=false
for arg in "$@"; do
  if [[ "$arg" == "--" ]]; then break; fi
  case "$arg" in
    --sync|--remove|--upgrade) block=true ;;
    --*) ;;
    -*[SUR]*) block=true ;;
  esac
done

if $block; then
  cat >&2 <<'EOF'
Manual {{.Tool}} install, remove and upgrade are managed by declman.

Update the system spec and run:
  sudo declman apply {{.Source}}

To bypass once:
  sudo {{.AllowEnv}}=1 {{.Tool}} <args>
EOF
  exit 1
fi

exec "$REAL_BIN" "$@"
`))

// WrapperOptions select which package managers get a guard wrapper.
type WrapperOptions struct {
	// Dir is searched before RealDir on PATH, e.g. /usr/local/bin.
	Dir string
	// RealDir holds the wrapped binaries, e.g. /usr/bin.
	RealDir string
	Tools   []string
	// Source is the spec path shown in the refusal message.
	Source string
}

// GuardWrappers renders one executable script per tool. Each script refuses
// sync, remove and upgrade operations unless declman is an ancestor process
// or DECLMAN_ALLOW=1 is set, and otherwise runs the real binary.
func GuardWrappers(opts WrapperOptions) ([]engine.FileSpec, error) {
	tools := append([]string(nil), opts.Tools...)
	sort.Strings(tools)

	specs := make([]engine.FileSpec, 0, len(tools))
	for _, tool := range tools {
		if tool == "" || filepath.Base(tool) != tool {
			return nil, fmt.Errorf("invalid wrapped tool name %q", tool)
		}
		realBin, err := syntax.Quote(filepath.Join(opts.RealDir, tool), syntax.LangBash)
		if err != nil {
			return nil, fmt.Errorf("failed to quote path of %s: %w", tool, err)
		}

		var buf bytes.Buffer
		err = wrapperTemplate.Execute(&buf, struct {
			Tool, Real, Source, AllowEnv string
			Depth                        int
		}{
			Tool:     tool,
			Real:     realBin,
			Source:   opts.Source,
			AllowEnv: AllowEnv,
			Depth:    ancestorDepth,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to render wrapper for %s: %w", tool, err)
		}

		content := buf.String()
		specs = append(specs, engine.FileSpec{
			Path:    filepath.Join(opts.Dir, tool),
			Content: &content,
			Mode:    wrapperMode,
		})
	}
	return specs, nil
}
