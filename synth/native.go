package synth

import (
	"context"
	"fmt"
	"go/ast"

	"golang.org/x/tools/go/packages"

	"github.com/chazu/runedeploy/manifest"
)

// InstallFunc is the function a native dependency's root package must
// export:
//
//	func Install(ctx *vm.Context) error
const InstallFunc = "Install"

// NativeDep is a native or mixed dependency linked into the host program.
type NativeDep struct {
	Crate      string // dependency name
	ModulePath string // module path from its go.mod
	Dir        string // fetched source, the replace target
	Alias      string // import alias in main.go
}

// PackageModel is what package inspection learns about a native
// dependency's root package.
type PackageModel struct {
	Name       string
	ImportPath string
	HasInstall bool
}

// Inspector loads the Go package in dir.
type Inspector func(ctx context.Context, dir string) (*PackageModel, error)

// InspectPackage parses the package in dir with go/packages and reports
// whether it declares a top-level Install function of one parameter.
func InspectPackage(ctx context.Context, dir string) (*PackageModel, error) {
	cfg := &packages.Config{
		Context: ctx,
		Dir:     dir,
		Mode:    packages.NeedName | packages.NeedFiles | packages.NeedSyntax,
	}

	pkgs, err := packages.Load(cfg, ".")
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", dir, err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no packages found in %s", dir)
	}
	pkg := pkgs[0]
	if len(pkg.Errors) > 0 {
		return nil, fmt.Errorf("package errors: %v", pkg.Errors)
	}

	model := &PackageModel{
		Name:       pkg.Name,
		ImportPath: pkg.PkgPath,
	}
	for _, file := range pkg.Syntax {
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Recv != nil || fn.Name.Name != InstallFunc {
				continue
			}
			if fn.Type.Params.NumFields() == 1 {
				model.HasInstall = true
			}
		}
	}
	return model, nil
}

// nativeDeps collects the native and mixed dependencies in resolve order.
// Inspection failures caused by the environment (no go binary, modules not
// downloadable) are logged and left for the build to report; a package
// that loads but has no Install function is an error.
func (s *Synthesizer) nativeDeps(ctx context.Context, deps []*manifest.ResolvedDep, names *namer) ([]NativeDep, error) {
	var natives []NativeDep
	for _, dep := range deps {
		if !dep.Kind().HasNative() {
			continue
		}
		mod, err := readModulePath(dep.LocalPath)
		if err != nil {
			return nil, synthErr("native dependency "+dep.Name, err)
		}

		model, err := s.inspect(ctx, dep.LocalPath)
		switch {
		case err != nil:
			log.Warningf("cannot inspect native dependency %s: %v", dep.Name, err)
		case !model.HasInstall:
			return nil, synthErr("native dependency "+dep.Name,
				fmt.Errorf("package %s does not declare func %s(*vm.Context) error", mod, InstallFunc))
		}

		natives = append(natives, NativeDep{
			Crate:      dep.Name,
			ModulePath: mod,
			Dir:        dep.LocalPath,
			Alias:      names.unique(NativeAlias(dep.Name)),
		})
	}
	return natives, nil
}
