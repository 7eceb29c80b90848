package executor

import (
	"strings"

	"mvdan.cc/sh/v3/shell"
	"mvdan.cc/sh/v3/syntax"
)

// Render returns argv as a single line that a POSIX shell would split back
// into the same arguments.
func Render(argv []string) string {
	parts := make([]string, 0, len(argv))
	for _, arg := range argv {
		quoted, err := syntax.Quote(arg, syntax.LangPOSIX)
		if err != nil {
			// Arguments with NUL bytes cannot be quoted.
			quoted = "'" + strings.ReplaceAll(arg, "\x00", `\0`) + "'"
		}
		parts = append(parts, quoted)
	}
	return strings.Join(parts, " ")
}

// Split parses a command line into argv using shell word rules. Variables
// are not expanded.
func Split(line string) ([]string, error) {
	return shell.Fields(line, func(name string) string { return "$" + name })
}
