package synth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"

	"github.com/chazu/runedeploy/manifest"
)

// GoModPlan is the structured content of the synthesized go.mod.
type GoModPlan struct {
	Module         string
	GoVersion      string
	RuntimeModule  string
	RuntimeVersion string
	RuntimeDir     string // replace target for the runtime, "" for none
	Natives        []NativeDep
	Header         []string // comment lines, without "//"
}

// render formats the plan as go.mod text.
func (p *GoModPlan) render() ([]byte, error) {
	f := &modfile.File{}
	if err := f.AddModuleStmt(p.Module); err != nil {
		return nil, err
	}
	for _, line := range p.Header {
		f.Module.Syntax.Before = append(f.Module.Syntax.Before, modfile.Comment{
			Token: strings.TrimRight("// "+line, " "),
		})
	}
	if err := f.AddGoStmt(p.GoVersion); err != nil {
		return nil, err
	}
	if err := f.AddRequire(p.RuntimeModule, p.RuntimeVersion); err != nil {
		return nil, err
	}
	for _, n := range p.Natives {
		if err := f.AddRequire(n.ModulePath, NativeVersion); err != nil {
			return nil, err
		}
	}
	if p.RuntimeDir != "" {
		if err := f.AddReplace(p.RuntimeModule, "", p.RuntimeDir, ""); err != nil {
			return nil, err
		}
	}
	for _, n := range p.Natives {
		if err := f.AddReplace(n.ModulePath, "", n.Dir, ""); err != nil {
			return nil, err
		}
	}
	f.Cleanup()
	return f.Format()
}

// NativeVersion is the placeholder version native dependencies are
// required at; a replace directive points each one at its fetched source.
const NativeVersion = "v0.0.0"

// projectHeader returns the go.mod header lines for m.
func projectHeader(m *manifest.Manifest) []string {
	lines := []string{
		"Code generated by rune-deploy. DO NOT EDIT.",
		"",
		fmt.Sprintf("project: %s %s", m.Project.Name, m.Project.Version),
	}
	if len(m.Project.Authors) > 0 {
		lines = append(lines, "authors: "+strings.Join(m.Project.Authors, ", "))
	}
	if m.Project.Description != "" {
		lines = append(lines, "description: "+m.Project.Description)
	}
	return lines
}

// readModulePath returns the module path declared by <dir>/go.mod.
func readModulePath(dir string) (string, error) {
	path := filepath.Join(dir, "go.mod")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	f, err := modfile.ParseLax(path, data, nil)
	if err != nil {
		return "", err
	}
	if f.Module == nil {
		return "", fmt.Errorf("%s has no module directive", path)
	}
	mod := f.Module.Mod.Path
	if err := module.CheckImportPath(mod); err != nil {
		return "", err
	}
	return mod, nil
}
