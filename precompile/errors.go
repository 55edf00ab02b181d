package precompile

import (
	"errors"
	"fmt"

	"github.com/chazu/runedeploy/compiler"
)

// ErrSourceNotFound is wrapped when a crate has no entry source.
var ErrSourceNotFound = errors.New("entry source not found")

// CompileError reports a crate that failed to compile. The diagnostics have
// already been rendered to the precompiler's diagnostics writer.
type CompileError struct {
	Crate       string
	Diagnostics compiler.Diagnostics
}

func (e *CompileError) Error() string {
	errs := e.Diagnostics.Errors()
	switch len(errs) {
	case 0:
		return fmt.Sprintf("could not compile %s", e.Crate)
	case 1:
		return fmt.Sprintf("could not compile %s: %s", e.Crate, errs[0])
	}
	return fmt.Sprintf("could not compile %s: %s (and %d more errors)", e.Crate, errs[0], len(errs)-1)
}

// CacheCorruptionError reports an artifact that does not decode, or a
// freshly written one that does not read back identically.
type CacheCorruptionError struct {
	Path string
	Err  error
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("corrupt cache entry %s: %v", e.Path, e.Err)
}

func (e *CacheCorruptionError) Unwrap() error { return e.Err }
