package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrManifestNotFound is wrapped when a directory has no Rune.toml.
var ErrManifestNotFound = errors.New("manifest not found")

// ParseError reports a manifest or lockfile that is not valid TOML or
// does not fit the expected shape.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SchemaError reports a manifest that parsed but violates the schema.
// Every problem found is listed, not just the first.
type SchemaError struct {
	Path     string
	Problems []string
}

func (e *SchemaError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid manifest %s: %s", e.Path, e.Problems[0])
	}
	return fmt.Sprintf("invalid manifest %s:\n  - %s", e.Path, strings.Join(e.Problems, "\n  - "))
}

// ResolutionKind classifies resolver failures so callers can decide
// whether retrying later makes sense.
type ResolutionKind int

const (
	// Transient failures (network errors, 5xx, 429) may succeed on retry.
	Transient ResolutionKind = iota
	// NotFound means the dependency or a matching version does not exist.
	NotFound
	// ChecksumMismatch means fetched content does not match its checksum.
	ChecksumMismatch
)

func (k ResolutionKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case NotFound:
		return "not found"
	case ChecksumMismatch:
		return "checksum mismatch"
	}
	return fmt.Sprintf("ResolutionKind(%d)", int(k))
}

// ResolutionError reports a dependency that could not be resolved.
type ResolutionError struct {
	Name string
	Kind ResolutionKind
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %s: %v", e.Name, e.Kind, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func resolutionErr(name string, kind ResolutionKind, format string, args ...any) *ResolutionError {
	return &ResolutionError{Name: name, Kind: kind, Err: fmt.Errorf(format, args...)}
}
