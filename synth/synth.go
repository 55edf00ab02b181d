// Package synth generates the throwaway Go module that embeds a project's
// compiled units and runs them on the VM:
//
//	<target>/crate/
//	  go.mod            requires the runtime and native dependencies
//	  main.go           generated entry point
//	  units/<name>.rnc  embedded artifacts
package synth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/tliron/commonlog"

	"github.com/chazu/runedeploy/manifest"
	"github.com/chazu/runedeploy/precompile"
	"github.com/chazu/runedeploy/vm"
)

var log = commonlog.GetLogger("rune-deploy.synth")

const (
	// CrateDirName is the crate directory inside the target directory.
	CrateDirName = "crate"
	// DefaultRuntimeModule hosts the vm package the generated program imports.
	DefaultRuntimeModule = "github.com/chazu/runedeploy"
	// DefaultGoVersion is the go directive of the synthesized go.mod.
	DefaultGoVersion = "1.25"
	// develVersion is required when the runtime version is unknown; it
	// only resolves together with a replace directive.
	develVersion = "v0.0.0-00010101000000-000000000000"
)

// Options configures a Synthesizer.
type Options struct {
	Precompiler *precompile.Precompiler

	// RuntimeModule is the module providing the vm package.
	RuntimeModule string
	// RuntimeVersion is the version required of RuntimeModule. Empty means
	// the version this binary was built from, when known.
	RuntimeVersion string
	// RuntimeDir, when set, replaces RuntimeModule with a local checkout.
	RuntimeDir string
	// GoVersion is the go directive.
	GoVersion string
	// Inspect checks native dependency packages. Nil means InspectPackage.
	Inspect Inspector
}

// Synthesizer generates host crates.
type Synthesizer struct {
	pre            *precompile.Precompiler
	runtimeModule  string
	runtimeVersion string
	runtimeDir     string
	goVersion      string
	inspect        Inspector
}

// New returns a Synthesizer.
func New(opts Options) (*Synthesizer, error) {
	if opts.Precompiler == nil {
		return nil, fmt.Errorf("synth: a precompiler is required")
	}
	s := &Synthesizer{
		pre:            opts.Precompiler,
		runtimeModule:  opts.RuntimeModule,
		runtimeVersion: opts.RuntimeVersion,
		goVersion:      opts.GoVersion,
		inspect:        opts.Inspect,
	}
	if s.runtimeModule == "" {
		s.runtimeModule = DefaultRuntimeModule
	}
	if s.runtimeVersion == "" {
		s.runtimeVersion = buildVersion(s.runtimeModule)
	}
	if s.goVersion == "" {
		s.goVersion = DefaultGoVersion
	}
	if s.inspect == nil {
		s.inspect = InspectPackage
	}
	if opts.RuntimeDir != "" {
		dir, err := filepath.Abs(opts.RuntimeDir)
		if err != nil {
			return nil, fmt.Errorf("synth: runtime dir: %w", err)
		}
		s.runtimeDir = dir
	}
	if s.runtimeVersion == develVersion && s.runtimeDir == "" {
		log.Warningf("runtime version unknown and no runtime dir configured; the build will not resolve %s", s.runtimeModule)
	}
	return s, nil
}

// buildVersion returns the version of mod this binary was built from.
func buildVersion(mod string) string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return develVersion
	}
	if bi.Main.Path == mod && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	for _, dep := range bi.Deps {
		if dep.Path == mod && dep.Version != "" {
			return dep.Version
		}
	}
	return develVersion
}

// Crate is a generated host crate.
type Crate struct {
	Dir       string
	GoMod     string
	Main      string
	Plan      *EntryPlan
	Artifacts []string // cache artifacts, in plan order
}

// Generate writes the host crate for m into <targetDir>/crate. Script and
// mixed dependencies are compiled as libraries in resolve order, then the
// project itself as an executable unless it is native. Files in targetDir
// that the crate does not own are left alone.
func (s *Synthesizer) Generate(ctx context.Context, targetDir string, m *manifest.Manifest, deps []*manifest.ResolvedDep) (*Crate, error) {
	crateDir := filepath.Join(targetDir, CrateDirName)
	if info, err := os.Stat(crateDir); err == nil && !info.IsDir() {
		return nil, synthErr("create crate dir", fmt.Errorf("%s exists and is not a directory", crateDir))
	}
	for _, dep := range deps {
		if dep.Name == m.Project.Name {
			return nil, synthErr("plan units", fmt.Errorf("dependency %s has the same name as the project", dep.Name))
		}
	}

	names := &namer{}
	natives, err := s.nativeDeps(ctx, deps, names)
	if err != nil {
		return nil, err
	}

	var jobs []precompile.Job
	var units []PlannedUnit
	linked := map[string]string{} // link name -> crate
	planUnit := func(kind vm.UnitKind, crate, dir string) error {
		link := vm.LinkName(crate)
		if other, ok := linked[link]; ok {
			return synthErr("plan units", fmt.Errorf("crates %s and %s both link as %s", other, crate, link))
		}
		linked[link] = crate
		jobs = append(jobs, precompile.Job{Kind: kind, Name: crate, Path: dir})
		units = append(units, newPlannedUnit(crate, kind, names))
		return nil
	}
	for _, dep := range deps {
		if dep.Kind().HasScript() {
			if err := planUnit(vm.LibraryUnit, dep.Name, dep.LocalPath); err != nil {
				return nil, err
			}
		}
	}
	if m.Project.Kind.HasScript() {
		if err := planUnit(vm.ExecutableUnit, m.Project.Name, m.Dir); err != nil {
			return nil, err
		}
	}
	if len(jobs) == 0 {
		return nil, synthErr("plan entry point", ErrNoArtifacts)
	}

	// Nothing is written to the crate until every unit compiled.
	artifacts, err := s.pre.PrecompileAll(ctx, jobs)
	if err != nil {
		return nil, err
	}

	// main.go is removed first and written last, so it only ever sits next
	// to the units it embeds.
	mainPath := filepath.Join(crateDir, "main.go")
	if err := os.Remove(mainPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, synthErr("remove stale main.go", err)
	}
	unitsDir := filepath.Join(crateDir, UnitsDir)
	if err := os.RemoveAll(unitsDir); err != nil {
		return nil, synthErr("clear units", err)
	}
	if err := os.MkdirAll(unitsDir, 0o755); err != nil {
		return nil, synthErr("create crate dir", err)
	}

	gomod := &GoModPlan{
		Module:         ModulePath(m.Project.Name),
		GoVersion:      s.goVersion,
		RuntimeModule:  s.runtimeModule,
		RuntimeVersion: s.runtimeVersion,
		RuntimeDir:     s.runtimeDir,
		Natives:        natives,
		Header:         projectHeader(m),
	}
	modData, err := gomod.render()
	if err != nil {
		return nil, synthErr("render go.mod", err)
	}
	modPath := filepath.Join(crateDir, "go.mod")
	if err := os.WriteFile(modPath, modData, 0o644); err != nil {
		return nil, synthErr("write go.mod", err)
	}

	for i, u := range units {
		if err := copyFile(artifacts[i], filepath.Join(crateDir, filepath.FromSlash(u.File))); err != nil {
			return nil, synthErr("copy artifact", err)
		}
	}

	plan := &EntryPlan{
		RuntimeImport: s.runtimeModule + "/vm",
		Natives:       natives,
		Units:         units,
	}
	src, err := plan.Render()
	if err != nil {
		return nil, synthErr("render main.go", err)
	}
	if err := os.WriteFile(mainPath, src, 0o644); err != nil {
		return nil, synthErr("write main.go", err)
	}

	log.Infof("synthesized %s with %d units and %d native packages", crateDir, len(units), len(natives))
	return &Crate{
		Dir:       crateDir,
		GoMod:     modPath,
		Main:      mainPath,
		Plan:      plan,
		Artifacts: artifacts,
	}, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
