package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
)

// LockFileName is the lockfile written next to the manifest.
const LockFileName = "Rune.lock"

// LockVersion is the lockfile format version written by WriteLock.
const LockVersion = 3

const lockHeader = "# This file is automatically @generated by rune-deploy.\n# It is not intended for manual editing.\n"

// LockEntry is one resolved package in Rune.lock.
type LockEntry struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Source       string   `toml:"source,omitempty"`
	Checksum     string   `toml:"checksum,omitempty"`
	Dependencies []string `toml:"dependencies,omitempty"`
}

// LockFile is the contents of Rune.lock.
type LockFile struct {
	Version  int               `toml:"version"`
	Package  []LockEntry       `toml:"package,omitempty"`
	Metadata map[string]string `toml:"metadata,omitempty"`
}

// Find returns the first entry named name, or nil.
func (lf *LockFile) Find(name string) *LockEntry {
	if lf == nil {
		return nil
	}
	for i := range lf.Package {
		if lf.Package[i].Name == name {
			return &lf.Package[i]
		}
	}
	return nil
}

func specKey(name, version string) string {
	return "spec " + name + " " + version
}

// SpecHash returns the dependency spec hash recorded for name at version,
// or "" when none was recorded.
func (lf *LockFile) SpecHash(name, version string) string {
	if lf == nil {
		return ""
	}
	return lf.Metadata[specKey(name, version)]
}

// SetSpecHash records the spec hash for name at version.
func (lf *LockFile) SetSpecHash(name, version, hash string) {
	if lf.Metadata == nil {
		lf.Metadata = make(map[string]string)
	}
	lf.Metadata[specKey(name, version)] = hash
}

// Sort orders entries by name, then version, and each entry's dependency
// list. Versions compare as semver when both parse.
func (lf *LockFile) Sort() {
	sort.SliceStable(lf.Package, func(i, j int) bool {
		a, b := lf.Package[i], lf.Package[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return versionLess(a.Version, b.Version)
	})
	for i := range lf.Package {
		sort.Strings(lf.Package[i].Dependencies)
	}
}

func versionLess(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		if c := va.Compare(vb); c != 0 {
			return c < 0
		}
	}
	return a < b
}

// Encode renders the lockfile, header included. The output depends only on
// the set of entries, not on their order.
func (lf *LockFile) Encode() ([]byte, error) {
	out := *lf
	out.Package = append([]LockEntry(nil), lf.Package...)
	for i := range out.Package {
		out.Package[i].Dependencies = append([]string(nil), out.Package[i].Dependencies...)
	}
	if out.Version == 0 {
		out.Version = LockVersion
	}
	out.Sort()

	var buf bytes.Buffer
	buf.WriteString(lockHeader)
	buf.WriteString("\n")
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(&out); err != nil {
		return nil, fmt.Errorf("encoding lock file: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteLock writes lf to path. The file is replaced atomically.
func WriteLock(path string, lf *LockFile) error {
	data, err := lf.Encode()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

// ReadLock reads the lockfile at path. A missing file is not an error:
// it returns nil, nil.
func ReadLock(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var lf LockFile
	if _, err := toml.Decode(string(data), &lf); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if lf.Version > LockVersion {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("lock file version %d is newer than supported version %d", lf.Version, LockVersion)}
	}
	return &lf, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
