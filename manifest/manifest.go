// Package manifest handles Rune.toml project manifests, Rune.lock
// lockfiles, and dependency resolution.
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/tliron/commonlog"
	"github.com/zeebo/xxh3"
)

// FileName is the manifest file name.
const FileName = "Rune.toml"

var log = commonlog.GetLogger("rune-deploy.manifest")

// Manifest represents a Rune.toml project manifest.
type Manifest struct {
	Project      Project               `toml:"project"`
	Dependencies map[string]Dependency `toml:"dependencies"`

	// Dir is the absolute directory containing the manifest (set at load time).
	Dir string `toml:"-"`
	// Path is the manifest file path (set at load time).
	Path string `toml:"-"`
	// Hash is the content hash of the raw manifest text.
	Hash uint64 `toml:"-"`
}

// Project contains project metadata. Name and Version are fixed at load
// time; nothing downstream rewrites them.
type Project struct {
	Name          string   `toml:"name"`
	Version       string   `toml:"version"`
	Kind          Kind     `toml:"kind"`
	Authors       []string `toml:"authors"`
	Description   string   `toml:"description"`
	Homepage      string   `toml:"homepage"`
	Documentation string   `toml:"documentation"`
	Keywords      []string `toml:"keywords"`
	Categories    []string `toml:"categories"`
	License       string   `toml:"license"`
	LicenseFile   string   `toml:"license-file"`
	Repository    string   `toml:"repository"`
}

// Kind says what a crate contains.
type Kind int

const (
	// KindScript crates contain only script sources. This is the default.
	KindScript Kind = iota
	// KindNative crates are Go modules that install native functions.
	KindNative
	// KindMixed crates contain both.
	KindMixed
)

var kindNames = map[Kind]string{
	KindScript: "script",
	KindNative: "native",
	KindMixed:  "mixed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if string(text) == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown project kind %q (want script, native, or mixed)", string(text))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// HasScript reports whether crates of this kind carry script sources.
func (k Kind) HasScript() bool { return k == KindScript || k == KindMixed }

// HasNative reports whether crates of this kind carry a Go module.
func (k Kind) HasNative() bool { return k == KindNative || k == KindMixed }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads Rune.toml from dir.
func Load(dir string) (*Manifest, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile reads and validates the manifest at path.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	m.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	m.Dir = filepath.Dir(m.Path)
	return m, nil
}

// Parse decodes and validates manifest text. path is only used in errors.
func Parse(path string, data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		// Duplicate dependency keys are a schema problem, not a syntax one.
		if name, ok := duplicateDependency(err); ok {
			return nil, &SchemaError{Path: path, Problems: []string{
				fmt.Sprintf("dependency %q is declared more than once", name),
			}}
		}
		return nil, &ParseError{Path: path, Err: err}
	}
	for _, key := range md.Undecoded() {
		log.Warningf("%s: unknown key %s", path, key)
	}
	m.Hash = ContentHash(data)

	if problems := m.validate(); len(problems) > 0 {
		return nil, &SchemaError{Path: path, Problems: problems}
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a Rune.toml file, then loads
// and returns the manifest. The error wraps ErrManifestNotFound if no
// directory up to the filesystem root has one.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("%w in %s or any parent directory", ErrManifestNotFound, startDir)
		}
		dir = parent
	}
}

// ContentHash is the deterministic hash of raw manifest text.
func ContentHash(data []byte) uint64 {
	return xxh3.Hash(data)
}

// LockPath returns the path of Rune.lock next to the manifest.
func (m *Manifest) LockPath() string {
	return filepath.Join(m.Dir, LockFileName)
}

// DependencyNames returns the dependency keys in sorted order.
func (m *Manifest) DependencyNames() []string {
	names := make([]string, 0, len(m.Dependencies))
	for name := range m.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var crateNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

func (m *Manifest) validate() []string {
	var problems []string
	switch {
	case m.Project.Name == "":
		problems = append(problems, "project.name is required")
	case !crateNameRe.MatchString(m.Project.Name):
		problems = append(problems, fmt.Sprintf("project.name %q must start with a letter and contain only letters, digits, '-' and '_'", m.Project.Name))
	}
	switch {
	case m.Project.Version == "":
		problems = append(problems, "project.version is required")
	default:
		if _, err := semver.NewVersion(m.Project.Version); err != nil {
			problems = append(problems, fmt.Sprintf("project.version %q is not a semantic version", m.Project.Version))
		}
	}
	for _, name := range m.DependencyNames() {
		if !crateNameRe.MatchString(name) {
			problems = append(problems, fmt.Sprintf("dependency name %q is invalid", name))
		}
		dep := m.Dependencies[name]
		for _, p := range dep.validate() {
			problems = append(problems, fmt.Sprintf("dependency %q: %s", name, p))
		}
	}
	return problems
}

// redefinedKey matches the decoder's message for a key defined twice.
var redefinedKey = regexp.MustCompile(`Key '(.+)' (?:has already been defined|was already created)`)

// duplicateDependency reports whether err is the decoder rejecting a
// dependency key defined more than once, and which dependency it is.
func duplicateDependency(err error) (string, bool) {
	var perr toml.ParseError
	if !errors.As(err, &perr) {
		return "", false
	}
	m := redefinedKey.FindStringSubmatch(perr.Message)
	if m == nil {
		return "", false
	}
	rest, ok := strings.CutPrefix(m[1], "dependencies.")
	if !ok || rest == "" {
		return "", false
	}
	if rest[0] == '"' {
		if end := strings.IndexByte(rest[1:], '"'); end >= 0 {
			return rest[1 : end+1], true
		}
	}
	name, _, _ := strings.Cut(rest, ".")
	return name, true
}
