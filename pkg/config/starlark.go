package config

import (
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// starlarkSpecGlobal is the global a .star spec binds to its declaration.
const starlarkSpecGlobal = "system"

// evalStarlark runs a Starlark spec and returns the value bound to the
// global "system" as plain Go data. The script sees the predeclared names
// hostname and struct. It is cancelled after timeout.
func evalStarlark(content []byte, filename string, timeout time.Duration) (map[string]interface{}, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}

	thread := &starlark.Thread{
		Name:  "declman",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			thread.Cancel(fmt.Sprintf("execution timeout after %v", timeout))
		})
		defer timer.Stop()
	}

	predeclared := starlark.StringDict{
		"struct":   starlark.NewBuiltin("struct", starlarkstruct.Make),
		"hostname": starlark.String(hostname),
	}

	globals, err := starlark.ExecFile(thread, filename, content, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	val, ok := globals[starlarkSpecGlobal]
	if !ok {
		return nil, fmt.Errorf("script does not define %q", starlarkSpecGlobal)
	}
	out, err := fromStarlarkValue(val)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s: %w", starlarkSpecGlobal, err)
	}
	spec, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must be a dict or struct, got %s", starlarkSpecGlobal, val.Type())
	}
	return spec, nil
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromStarlarkSequence(val)
	case starlark.Tuple:
		return fromStarlarkSequence(val)
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", string(key), err)
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromStarlarkSequence(seq starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
