// Package procenv builds a child's execution environment and
// provides the portable signal-disposition glue the Run Coordinator
// needs for polite/forceful termination (spec §4.4, §6 "Environment
// inheritance", §9).
package procenv

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Spec describes how to derive a child's environment from the
// caller's own environment (spec §6, "Environment inheritance").
type Spec struct {
	// ExportSet lists variable names forwarded from the caller's
	// environment. A nil ExportSet forwards everything.
	ExportSet []string
	// Overrides sets or replaces specific variables in the child's
	// environment, applied after ExportSet filtering.
	Overrides map[string]string
	// Unset removes specific variables, applied after Overrides.
	Unset []string
	// ForceUTF8 enforces a canonical UTF-8 locale via LC_ALL/LANG.
	ForceUTF8 bool
}

// Build derives the child's environment as a []string suitable for
// exec.Cmd.Env from base (typically os.Environ()) and spec.
func Build(base []string, spec Spec) []string {
	values := map[string]string{}

	if spec.ExportSet == nil {
		for _, kv := range base {
			k, v, ok := splitEnv(kv)
			if ok {
				values[k] = v
			}
		}
	} else {
		export := map[string]bool{}
		for _, name := range spec.ExportSet {
			export[name] = true
		}
		for _, kv := range base {
			k, v, ok := splitEnv(kv)
			if ok && export[k] {
				values[k] = v
			}
		}
	}

	for k, v := range spec.Overrides {
		values[k] = v
	}
	for _, k := range spec.Unset {
		delete(values, k)
	}
	if spec.ForceUTF8 {
		values["LC_ALL"] = "en_US.UTF-8"
		values["LANG"] = "en_US.UTF-8"
	}

	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, k := range names {
		out = append(out, fmt.Sprintf("%s=%s", k, values[k]))
	}
	return out
}

// BuildFromCurrent is Build with base == os.Environ(), the common case.
func BuildFromCurrent(spec Spec) []string {
	return Build(os.Environ(), spec)
}

func splitEnv(kv string) (name, value string, ok bool) {
	i := strings.IndexByte(kv, '=')
	if i < 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}
