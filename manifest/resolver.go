package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/mod/sumdb/dirhash"

	"github.com/chazu/runedeploy/cache"
)

// ResolvedDep is a dependency fetched to a local directory.
type ResolvedDep struct {
	Name      string // dependency key in the declaring manifest
	LocalPath string // fetched (or local) directory
	Version   string // resolved version
	Checksum  string // crate sha256, git commit, or h1: directory hash
	Source    string // lockfile source string; empty for nothing
	Manifest  *Manifest

	// Dependencies lists "name version" for each resolved dependency of
	// this one, as written to the lockfile.
	Dependencies []string
	// FromLock is set when the lockfile entry was reused without fetching.
	FromLock bool
}

// Kind returns the crate kind declared by the dependency's manifest, or
// KindScript when it has none.
func (d *ResolvedDep) Kind() Kind {
	if d.Manifest == nil {
		return KindScript
	}
	return d.Manifest.Project.Kind
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// Registry is the default registry index URL. Registry dependencies
	// fail with NotFound when it is empty and they name no registry.
	Registry string
	// Registries maps the names used by `registry = "..."` to index URLs.
	Registries map[string]string
	// Retries is the number of retries after a transient failure.
	Retries int
	// RetryInterval is the first backoff interval. Zero means 500ms.
	RetryInterval time.Duration
	// HTTPClient is used for registry requests. Nil means a client with a
	// one minute timeout.
	HTTPClient *http.Client
	// Git is the git executable. Empty means "git" on PATH.
	Git string
	// BaseDir anchors relative path dependencies passed to Resolve.
	BaseDir string
}

const indexCacheSize = 256

// Resolver fetches dependencies into a cache root.
type Resolver struct {
	root   cache.Root
	opts   ResolverOptions
	client *http.Client
	git    git
	index  *lru.Cache[string, []indexRecord]
	lock   *LockFile // previous lockfile, may be nil
}

// NewResolver returns a resolver that fetches into root.
func NewResolver(root cache.Root, opts ResolverOptions) (*Resolver, error) {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	index, err := lru.New[string, []indexRecord](indexCacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		root:   root,
		opts:   opts,
		client: client,
		git:    git{Bin: opts.Git},
		index:  index,
	}, nil
}

// Resolve fetches a single dependency. Relative paths are taken from
// ResolverOptions.BaseDir. Transitive dependencies are not followed.
func (r *Resolver) Resolve(ctx context.Context, name string, dep Dependency) (*ResolvedDep, error) {
	return r.resolve(ctx, r.opts.BaseDir, name, dep)
}

// ResolveAll resolves the dependencies of m transitively and writes
// Rune.lock next to the manifest. The result is in topological order:
// every dependency comes before the crates that depend on it. When two
// crates declare the same dependency name, the first one visited (in
// sorted name order, depth first) wins.
func (r *Resolver) ResolveAll(ctx context.Context, m *Manifest) ([]*ResolvedDep, error) {
	prev, err := ReadLock(m.LockPath())
	if err != nil {
		return nil, fmt.Errorf("reading lock file: %w", err)
	}
	r.lock = prev
	if err := r.root.Ensure(); err != nil {
		return nil, err
	}

	w := &walk{
		state:    map[string]visitState{},
		resolved: map[string]*ResolvedDep{},
		specs:    map[string]string{},
	}
	var direct []string
	for _, name := range m.DependencyNames() {
		if err := r.visit(ctx, w, m.Dir, name, m.Dependencies[name], []string{m.Project.Name}); err != nil {
			return nil, err
		}
		direct = append(direct, name+" "+w.resolved[name].Version)
	}

	lf := &LockFile{Version: LockVersion}
	lf.Package = append(lf.Package, LockEntry{
		Name:         m.Project.Name,
		Version:      m.Project.Version,
		Dependencies: direct,
	})
	for _, rd := range w.order {
		lf.Package = append(lf.Package, LockEntry{
			Name:         rd.Name,
			Version:      rd.Version,
			Source:       rd.Source,
			Checksum:     rd.Checksum,
			Dependencies: rd.Dependencies,
		})
		lf.SetSpecHash(rd.Name, rd.Version, w.specs[rd.Name])
	}
	if err := WriteLock(m.LockPath(), lf); err != nil {
		return nil, fmt.Errorf("writing lock file: %w", err)
	}
	log.Infof("resolved %d dependencies for %s", len(w.order), m.Project.Name)
	return w.order, nil
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

type walk struct {
	state    map[string]visitState
	resolved map[string]*ResolvedDep
	specs    map[string]string
	order    []*ResolvedDep
}

func (r *Resolver) visit(ctx context.Context, w *walk, baseDir, name string, dep Dependency, stack []string) error {
	switch w.state[name] {
	case visited:
		return nil
	case visiting:
		return fmt.Errorf("dependency cycle: %s -> %s", strings.Join(stack, " -> "), name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.state[name] = visiting

	rd, err := r.resolve(ctx, baseDir, name, dep)
	if err != nil {
		return err
	}
	if rd.Manifest != nil {
		stack = append(stack[:len(stack):len(stack)], name)
		for _, child := range rd.Manifest.DependencyNames() {
			if err := r.visit(ctx, w, rd.LocalPath, child, rd.Manifest.Dependencies[child], stack); err != nil {
				return err
			}
			rd.Dependencies = append(rd.Dependencies, child+" "+w.resolved[child].Version)
		}
	}

	w.state[name] = visited
	w.resolved[name] = rd
	w.specs[name] = dep.SpecHash()
	w.order = append(w.order, rd)
	return nil
}

func (r *Resolver) resolve(ctx context.Context, baseDir, name string, dep Dependency) (*ResolvedDep, error) {
	if problems := dep.validate(); len(problems) > 0 {
		return nil, resolutionErr(name, NotFound, "invalid dependency: %s", strings.Join(problems, "; "))
	}

	rd := r.fromLock(ctx, name, dep)
	if rd != nil {
		log.Debugf("%s %s: using locked %s", name, rd.Version, rd.Checksum)
	} else {
		var err error
		switch dep.Source() {
		case SourcePath:
			rd, err = r.resolvePath(name, baseDir, dep.Detailed)
		case SourceGit:
			rd, err = r.resolveGit(ctx, name, dep.Detailed)
		default:
			rd, err = r.resolveRegistry(ctx, name, dep)
		}
		if err != nil {
			return nil, err
		}
	}

	m, err := loadDepManifest(name, rd.LocalPath)
	if err != nil {
		return nil, err
	}
	rd.Manifest = m
	if dep.Source() != SourceRegistry {
		rd.Version = "0.0.0"
		if m != nil {
			rd.Version = m.Project.Version
		}
		if req := dep.VersionReq(); req != "" {
			if err := checkVersion(name, req, rd.Version); err != nil {
				return nil, err
			}
		}
	}
	return rd, nil
}

// fromLock returns the locked resolution of name when the spec is
// unchanged and the fetched content still matches the recorded checksum.
func (r *Resolver) fromLock(ctx context.Context, name string, dep Dependency) *ResolvedDep {
	entry := r.lock.Find(name)
	if entry == nil || entry.Checksum == "" {
		return nil
	}
	if r.lock.SpecHash(name, entry.Version) != dep.SpecHash() {
		return nil
	}

	var dir string
	switch dep.Source() {
	case SourceRegistry:
		index, ok := strings.CutPrefix(entry.Source, "registry+")
		if !ok {
			return nil
		}
		if want, err := r.registryIndex(name, dep.Detailed); err != nil || want != index {
			return nil
		}
		base := dep.PackageName(name) + "-" + entry.Version
		sum, err := fileSHA256(filepath.Join(r.root.SrcDir(), base+".crate"))
		if err != nil || !strings.EqualFold(sum, entry.Checksum) {
			return nil
		}
		dir = filepath.Join(r.root.SrcDir(), base)
		if !isDir(dir) {
			return nil
		}
	case SourceGit:
		dir = filepath.Join(r.root.GitDir(), name)
		commit, err := r.git.currentCommit(ctx, dir)
		if err != nil || commit != entry.Checksum {
			return nil
		}
	default:
		// path dependencies are hashed on every run
		return nil
	}

	return &ResolvedDep{
		Name:      name,
		LocalPath: dir,
		Version:   entry.Version,
		Checksum:  entry.Checksum,
		Source:    entry.Source,
		FromLock:  true,
	}
}

// ---------------------------------------------------------------------------
// Path dependencies
// ---------------------------------------------------------------------------

func (r *Resolver) resolvePath(name, baseDir string, s *DetailedSpec) (*ResolvedDep, error) {
	dir := s.Path
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(baseDir, dir)
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, resolutionErr(name, NotFound, "invalid path %q: %w", s.Path, err)
	}
	if !isDir(dir) {
		return nil, resolutionErr(name, NotFound, "local dependency not found at %s", dir)
	}

	sum, err := hashDir(dir)
	if err != nil {
		return nil, resolutionErr(name, NotFound, "hashing %s: %w", dir, err)
	}
	return &ResolvedDep{
		Name:      name,
		LocalPath: dir,
		Checksum:  sum,
		Source:    "path+" + filepath.ToSlash(s.Path),
	}, nil
}

// skippedDirs are never part of a directory hash.
var skippedDirs = map[string]bool{".git": true, "target": true}

// hashDir returns the h1: hash of the files under dir.
func hashDir(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", err
	}
	return dirhash.Hash1(files, func(name string) (io.ReadCloser, error) {
		return os.Open(filepath.Join(dir, filepath.FromSlash(name)))
	})
}

// ---------------------------------------------------------------------------
// Git dependencies
// ---------------------------------------------------------------------------

func (r *Resolver) resolveGit(ctx context.Context, name string, s *DetailedSpec) (*ResolvedDep, error) {
	dir := filepath.Join(r.root.GitDir(), name)
	if err := r.syncGit(ctx, name, s.Git, dir); err != nil {
		return nil, err
	}

	ref := gitRef(s)
	if err := r.git.checkout(ctx, dir, ref); err != nil {
		return nil, resolutionErr(name, NotFound, "checkout %s: %w", ref, err)
	}
	commit, err := r.git.currentCommit(ctx, dir)
	if err != nil {
		return nil, resolutionErr(name, NotFound, "%w", err)
	}
	return &ResolvedDep{
		Name:      name,
		LocalPath: dir,
		Checksum:  commit,
		Source:    gitSource(s, commit),
	}, nil
}

// syncGit makes dir a fetched clone of url. An existing checkout of a
// different remote is replaced.
func (r *Resolver) syncGit(ctx context.Context, name, url, dir string) error {
	if isDir(dir) {
		if remote, err := r.git.remoteURL(ctx, dir); err == nil && remote == url {
			log.Infof("fetching %s", name)
			return r.retry(ctx, name, "fetch "+url, func() error {
				return r.git.fetch(ctx, dir)
			})
		}
		log.Debugf("replacing stale checkout %s", dir)
	}
	log.Infof("cloning %s from %s", name, url)
	return r.retry(ctx, name, "clone "+url, func() error {
		if err := os.RemoveAll(dir); err != nil {
			return backoff.Permanent(err)
		}
		return r.git.clone(ctx, url, dir)
	})
}

// retry runs op with the resolver's backoff policy. A final failure is a
// Transient ResolutionError.
func (r *Resolver) retry(ctx context.Context, name, what string, op func() error) error {
	err := backoff.Retry(func() error {
		err := op()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, r.backOff(ctx))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return resolutionErr(name, Transient, "%s: %w", what, err)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// loadDepManifest loads the manifest of a fetched dependency. A dependency
// without one is a plain script crate.
func loadDepManifest(name, dir string) (*Manifest, error) {
	m, err := Load(dir)
	if errors.Is(err, ErrManifestNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dependency %s: %w", name, err)
	}
	return m, nil
}

func checkVersion(name, req, version string) error {
	c, err := semver.NewConstraint(normalizeReq(req))
	if err != nil {
		return resolutionErr(name, NotFound, "invalid version requirement %q: %w", req, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil || !c.Check(v) {
		return resolutionErr(name, NotFound, "version %s does not match %q", version, req)
	}
	return nil
}
