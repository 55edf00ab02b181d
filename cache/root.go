// Package cache describes the on-disk cache root shared by every deploy:
// fetched dependency sources and compiled bytecode artifacts.
//
// Layout:
//
//	<root>/
//	  .lock                 advisory lock held for a pipeline run
//	  src/<name>-<ver>/     extracted registry crates
//	  src/<name>-<ver>.crate
//	  src/git/<name>/       git checkouts
//	  deps/<name>.rnc       compiled units
//
// The root is always passed explicitly; nothing in this module reads a
// global cache location except DefaultRoot.
package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/runedeploy/vm"
)

// DirName is the cache directory created under the user cache dir.
const DirName = ".rune"

// Root is a cache root directory.
type Root struct {
	Dir string
}

// New returns a Root at dir, made absolute.
func New(dir string) (Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Root{}, fmt.Errorf("cache: resolve %s: %w", dir, err)
	}
	return Root{Dir: abs}, nil
}

// DefaultRoot returns <UserCacheDir>/.rune.
func DefaultRoot() (Root, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return Root{}, fmt.Errorf("cache: locate user cache dir: %w", err)
	}
	return Root{Dir: filepath.Join(base, DirName)}, nil
}

// SrcDir holds fetched dependency sources.
func (r Root) SrcDir() string { return filepath.Join(r.Dir, "src") }

// GitDir holds git checkouts.
func (r Root) GitDir() string { return filepath.Join(r.Dir, "src", "git") }

// DepsDir holds compiled artifacts.
func (r Root) DepsDir() string { return filepath.Join(r.Dir, "deps") }

// ArtifactPath returns the cache entry for crate name.
func (r Root) ArtifactPath(name string) string {
	return filepath.Join(r.DepsDir(), name+vm.ArtifactExt)
}

// Ensure creates the cache directories.
func (r Root) Ensure() error {
	if r.Dir == "" {
		return fmt.Errorf("cache: empty root")
	}
	for _, dir := range []string{r.SrcDir(), r.GitDir(), r.DepsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cache: create %s: %w", dir, err)
		}
	}
	return nil
}

func (r Root) lockPath() string { return filepath.Join(r.Dir, ".lock") }
