package synth

import (
	"fmt"
	"strings"
	"unicode"
)

// toPascal converts a crate name to PascalCase.
// Handles hyphenated and underscore-separated names.
func toPascal(s string) string {
	if len(s) == 0 {
		return s
	}

	var b strings.Builder
	nextUpper := true
	for _, r := range s {
		if r == '-' || r == '_' {
			nextUpper = true
			continue
		}
		if nextUpper {
			b.WriteRune(unicode.ToUpper(r))
			nextUpper = false
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// UnitVar returns the Go variable holding the embedded unit of crate,
// e.g. "my-lib" → "unitMyLib".
func UnitVar(crate string) string {
	return "unit" + toPascal(crate)
}

// NativeAlias returns the import alias of a native dependency,
// e.g. "my-http" → "native_my_http".
func NativeAlias(crate string) string {
	return "native_" + strings.ToLower(strings.ReplaceAll(crate, "-", "_"))
}

// ModulePath returns the module path of the synthesized crate.
func ModulePath(project string) string {
	return "rune.local/" + strings.ToLower(project)
}

// namer hands out unique identifiers. Crate names that differ only in
// separators or case ("my-lib", "my_lib") would otherwise collide.
type namer struct {
	used map[string]bool
}

func (n *namer) unique(base string) string {
	if n.used == nil {
		n.used = make(map[string]bool)
	}
	name := base
	for i := 2; n.used[name]; i++ {
		name = fmt.Sprintf("%s%d", base, i)
	}
	n.used[name] = true
	return name
}
