// Package precompile compiles script crates into bytecode artifacts in the
// cache root.
//
// Artifacts are written to a temp file, read back and verified, and only
// then renamed over <root>/deps/<name>.rnc, so a reader never sees a
// partial or corrupt artifact under the final name.
package precompile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/runedeploy/cache"
	"github.com/chazu/runedeploy/compiler"
	"github.com/chazu/runedeploy/vm"
)

var log = commonlog.GetLogger("rune-deploy.precompile")

// Entry sources, relative to the crate directory.
const (
	LibraryEntry    = "src/lib.rn"
	ExecutableEntry = "src/main.rn"
	SourceExt       = ".rn"
)

// Options configures a Precompiler.
type Options struct {
	Root cache.Root
	// Diagnostics receives rendered compiler diagnostics. Nil means stderr.
	Diagnostics io.Writer
	// Jobs bounds PrecompileAll. Zero means GOMAXPROCS.
	Jobs int
}

// Precompiler compiles crates into cached artifacts.
type Precompiler struct {
	root  cache.Root
	diag  io.Writer
	jobs  int
	locks keyedMutex

	diagMu sync.Mutex

	// afterWrite runs on the temp file before it is verified.
	afterWrite func(tmpPath string) error
}

// New returns a Precompiler writing into opts.Root.
func New(opts Options) *Precompiler {
	p := &Precompiler{
		root: opts.Root,
		diag: opts.Diagnostics,
		jobs: opts.Jobs,
	}
	if p.diag == nil {
		p.diag = os.Stderr
	}
	if p.jobs <= 0 {
		p.jobs = runtime.GOMAXPROCS(0)
	}
	return p
}

// EntryPath returns the entry source of a crate of the given kind.
func EntryPath(kind vm.UnitKind) string {
	if kind == vm.ExecutableUnit {
		return ExecutableEntry
	}
	return LibraryEntry
}

// Precompile compiles the crate at cratePath and returns the path of its
// artifact. An existing artifact compiled from the same sources is reused.
// On failure the previous artifact, if any, is left untouched.
func (p *Precompiler) Precompile(kind vm.UnitKind, crateName, cratePath string) (string, error) {
	sources, err := CollectSources(kind, cratePath)
	if err != nil {
		return "", err
	}
	hash := SourceHash(kind, sources)
	dest := p.root.ArtifactPath(crateName)

	unlock := p.locks.lock(crateName)
	defer unlock()

	switch u, err := LoadArtifact(dest); {
	case err == nil && u.SourceHash == hash && u.Kind == kind && u.Name == crateName:
		log.Debugf("%s is up to date", crateName)
		return dest, nil
	case err == nil:
		log.Debugf("%s is stale, recompiling", crateName)
	case !errors.Is(err, fs.ErrNotExist):
		log.Warningf("recompiling %s: %v", crateName, err)
	}

	unit, diags, err := compiler.Compile(sources, nil, compiler.Options{
		Name: crateName,
		Kind: kind,
	})
	if len(diags) > 0 {
		p.diagMu.Lock()
		emitErr := diags.Emit(p.diag, sources)
		p.diagMu.Unlock()
		if emitErr != nil {
			log.Warningf("writing diagnostics: %v", emitErr)
		}
	}
	if err != nil {
		var cerr *compiler.Error
		if errors.As(err, &cerr) {
			return "", &CompileError{Crate: crateName, Diagnostics: cerr.Diagnostics}
		}
		return "", fmt.Errorf("compile %s: %w", crateName, err)
	}
	unit.SourceHash = hash

	if err := p.write(dest, unit); err != nil {
		return "", err
	}
	log.Infof("compiled %s (%s, %d functions)", crateName, kind, len(unit.Functions))
	return dest, nil
}

// Job is one crate for PrecompileAll.
type Job struct {
	Kind vm.UnitKind
	Name string
	Path string
}

// PrecompileAll compiles jobs concurrently and returns their artifact paths
// in job order. The first failure cancels the remaining jobs.
func (p *Precompiler) PrecompileAll(ctx context.Context, jobs []Job) ([]string, error) {
	paths := make([]string, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.jobs)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path, err := p.Precompile(job.Kind, job.Name, job.Path)
			if err != nil {
				return err
			}
			paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// write stores unit at dest through a verified temp file.
func (p *Precompiler) write(dest string, unit *vm.Unit) error {
	data, err := vm.MarshalUnit(unit)
	if err != nil {
		return err
	}
	if err := p.root.Ensure(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return fmt.Errorf("precompile: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("precompile: write %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("precompile: write %s: %w", tmpPath, err)
	}
	if p.afterWrite != nil {
		if err := p.afterWrite(tmpPath); err != nil {
			return err
		}
	}
	if err := verify(tmpPath, data); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("precompile: %w", err)
	}
	return nil
}

// verify reads back a written artifact, decodes it, and checks that it
// re-encodes to the bytes that were meant to be written.
func verify(path string, want []byte) error {
	u, err := LoadArtifact(path)
	if err != nil {
		return err
	}
	again, err := vm.MarshalUnit(u)
	if err != nil {
		return &CacheCorruptionError{Path: path, Err: err}
	}
	if !bytes.Equal(again, want) {
		return &CacheCorruptionError{Path: path, Err: errors.New("artifact does not re-encode to the written bytes")}
	}
	return nil
}

// LoadArtifact decodes the artifact at path. A missing file returns the
// underlying fs error; anything unreadable is a *CacheCorruptionError.
func LoadArtifact(path string) (*vm.Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	u, err := vm.UnmarshalUnit(data)
	if err != nil {
		return nil, &CacheCorruptionError{Path: path, Err: err}
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// CollectSources reads a crate's source set: the entry for kind first,
// then every other .rn file under src/ in sorted order. The other kind's
// entry is left out.
func CollectSources(kind vm.UnitKind, cratePath string) (*compiler.Sources, error) {
	entry := EntryPath(kind)
	other := LibraryEntry
	if entry == LibraryEntry {
		other = ExecutableEntry
	}

	text, err := os.ReadFile(filepath.Join(cratePath, filepath.FromSlash(entry)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, filepath.Join(cratePath, filepath.FromSlash(entry)))
		}
		return nil, fmt.Errorf("precompile: %w", err)
	}
	sources := compiler.NewSources(compiler.Source{Path: entry, Text: string(text)})

	var rest []string
	srcDir := filepath.Join(cratePath, "src")
	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), SourceExt) {
			return nil
		}
		rel, err := filepath.Rel(cratePath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel != entry && rel != other {
			rest = append(rest, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("precompile: scan %s: %w", srcDir, err)
	}
	sort.Strings(rest)
	for _, rel := range rest {
		text, err := os.ReadFile(filepath.Join(cratePath, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("precompile: %w", err)
		}
		sources.Add(rel, string(text))
	}
	return sources, nil
}

// SourceHash fingerprints a source set together with the compiler version
// and unit kind. Artifacts whose SourceHash matches are reused.
func SourceHash(kind vm.UnitKind, sources *compiler.Sources) string {
	h := sha256.New()
	io.WriteString(h, compiler.Version)
	h.Write([]byte{0, byte(kind)})
	var n [8]byte
	for _, f := range sources.Files() {
		binary.BigEndian.PutUint64(n[:], uint64(len(f.Path)))
		h.Write(n[:])
		io.WriteString(h, f.Path)
		binary.BigEndian.PutUint64(n[:], uint64(len(f.Text)))
		h.Write(n[:])
		io.WriteString(h, f.Text)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ---------------------------------------------------------------------------
// Per-artifact locking
// ---------------------------------------------------------------------------

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
