// Package deploy runs the whole pipeline: load the manifest, resolve
// dependencies, precompile and synthesize the host crate, then build it.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/runedeploy/cache"
	"github.com/chazu/runedeploy/config"
	"github.com/chazu/runedeploy/manifest"
	"github.com/chazu/runedeploy/precompile"
	"github.com/chazu/runedeploy/synth"
	"github.com/chazu/runedeploy/toolchain"
)

var log = commonlog.GetLogger("rune-deploy.deploy")

// TargetDirName is the build directory created next to Rune.toml.
const TargetDirName = "target"

// Options configures a Pipeline.
type Options struct {
	// CacheDir is the cache root. Empty means cache.DefaultRoot.
	CacheDir string

	Registry   string
	Registries map[string]string
	Retries    int
	HTTPClient *http.Client

	// Jobs bounds parallel precompilation.
	Jobs int

	RuntimeModule  string
	RuntimeVersion string
	RuntimeDir     string
	Inspect        synth.Inspector

	Mode toolchain.Mode
	// Output is the binary path. Empty means target/<project name>.
	Output  string
	Args    []string
	GoBin   string
	Timeout time.Duration
	Runner  toolchain.Runner

	// Diagnostics receives compiler output. Nil means stderr.
	Diagnostics io.Writer
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
}

// FromConfig maps tool configuration onto pipeline options.
func FromConfig(cfg *config.Config) Options {
	return Options{
		CacheDir:       cfg.CacheDir,
		Registry:       cfg.Registry,
		Registries:     cfg.Registries,
		Retries:        cfg.Retries,
		Jobs:           cfg.Jobs,
		RuntimeVersion: cfg.RuntimeVersion,
		RuntimeDir:     cfg.RuntimeDir,
		GoBin:          cfg.Go,
		Timeout:        cfg.Timeout,
	}
}

// Pipeline deploys projects. A Pipeline may be reused; runs sharing a
// cache root are serialized by the cache lock.
type Pipeline struct {
	opts     Options
	root     cache.Root
	resolver *manifest.Resolver
	synth    *synth.Synthesizer
}

// New returns a Pipeline.
func New(opts Options) (*Pipeline, error) {
	var root cache.Root
	var err error
	if opts.CacheDir != "" {
		root, err = cache.New(opts.CacheDir)
	} else {
		root, err = cache.DefaultRoot()
	}
	if err != nil {
		return nil, err
	}

	resolver, err := manifest.NewResolver(root, manifest.ResolverOptions{
		Registry:   opts.Registry,
		Registries: opts.Registries,
		Retries:    opts.Retries,
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		return nil, err
	}

	pre := precompile.New(precompile.Options{
		Root:        root,
		Diagnostics: opts.Diagnostics,
		Jobs:        opts.Jobs,
	})
	s, err := synth.New(synth.Options{
		Precompiler:    pre,
		RuntimeModule:  opts.RuntimeModule,
		RuntimeVersion: opts.RuntimeVersion,
		RuntimeDir:     opts.RuntimeDir,
		Inspect:        opts.Inspect,
	})
	if err != nil {
		return nil, err
	}

	return &Pipeline{opts: opts, root: root, resolver: resolver, synth: s}, nil
}

// Root returns the cache root in use.
func (p *Pipeline) Root() cache.Root { return p.root }

// Result describes a pipeline run.
type Result struct {
	Manifest *manifest.Manifest
	Deps     []*manifest.ResolvedDep
	Crate    *synth.Crate
	// Binary is the built executable, "" in run mode or when not built.
	Binary string
}

// Resolve loads the project at path, resolves its dependencies and writes
// Rune.lock. Nothing is compiled.
func (p *Pipeline) Resolve(ctx context.Context, path string) (*Result, error) {
	m, err := loadProject(path)
	if err != nil {
		return nil, stageErr(StageManifest, err)
	}
	unlock, err := p.lock()
	if err != nil {
		return nil, stageErr(StageResolve, err)
	}
	defer unlock()

	deps, err := p.resolver.ResolveAll(ctx, m)
	if err != nil {
		return nil, stageErr(StageResolve, err)
	}
	return &Result{Manifest: m, Deps: deps}, nil
}

// Run deploys the project at path, a project directory or a manifest
// file; an empty path searches upward from the working directory. The
// target directory is created only once resolution has succeeded.
func (p *Pipeline) Run(ctx context.Context, path string) (*Result, error) {
	m, err := loadProject(path)
	if err != nil {
		return nil, stageErr(StageManifest, err)
	}
	log.Infof("deploying %s %s from %s", m.Project.Name, m.Project.Version, m.Dir)

	unlock, err := p.lock()
	if err != nil {
		return nil, stageErr(StageResolve, err)
	}
	defer unlock()

	deps, err := p.resolver.ResolveAll(ctx, m)
	if err != nil {
		return nil, stageErr(StageResolve, err)
	}

	targetDir := filepath.Join(m.Dir, TargetDirName)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, stageErr(StageSynthesize, err)
	}
	crate, err := p.synth.Generate(ctx, targetDir, m, deps)
	if err != nil {
		return nil, stageErr(generateStage(err), err)
	}

	res := &Result{Manifest: m, Deps: deps, Crate: crate}
	out := ""
	if p.opts.Mode == toolchain.ModeBuild {
		out = p.opts.Output
		if out == "" {
			out = filepath.Join(targetDir, binaryName(m.Project.Name))
		}
	}
	inv := toolchain.New(toolchain.Options{
		Runner:  p.opts.Runner,
		GoBin:   p.opts.GoBin,
		Mode:    p.opts.Mode,
		Output:  out,
		Args:    p.opts.Args,
		Timeout: p.opts.Timeout,
		Stdin:   p.opts.Stdin,
		Stdout:  p.opts.Stdout,
		Stderr:  p.opts.Stderr,
	})
	if err := inv.Build(ctx, crate.Dir); err != nil {
		return res, stageErr(StageBuild, err)
	}
	if out != "" {
		res.Binary, _ = filepath.Abs(out)
		log.Infof("built %s", res.Binary)
	}
	return res, nil
}

func (p *Pipeline) lock() (func(), error) {
	l, err := p.root.Lock()
	if err != nil {
		return nil, err
	}
	return func() {
		if err := l.Unlock(); err != nil {
			log.Warningf("release cache lock: %v", err)
		}
	}, nil
}

// loadProject loads the manifest at path, a manifest file or a project
// directory. An empty path searches upward from the working directory.
func loadProject(path string) (*manifest.Manifest, error) {
	if path == "" {
		return manifest.FindAndLoad(".")
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", manifest.ErrManifestNotFound, path)
	case err != nil:
		return nil, err
	case info.IsDir():
		return manifest.Load(path)
	default:
		return manifest.LoadFile(path)
	}
}

func binaryName(project string) string {
	if runtime.GOOS == "windows" {
		return project + ".exe"
	}
	return project
}
