package synth

import (
	"bytes"
	"path"

	"github.com/dave/jennifer/jen"

	"github.com/chazu/runedeploy/vm"
)

// UnitsDir is the crate subdirectory holding embedded artifacts.
const UnitsDir = "units"

// PlannedUnit is one embedded unit of the host program.
type PlannedUnit struct {
	Crate string      // crate the unit was compiled from
	Kind  vm.UnitKind // library or executable
	File  string      // embed path, relative to the crate dir
	Var   string      // Go variable holding the bytes
}

// EntryPlan describes the generated main.go: the embedded units in the
// order they run, and the native packages installed before any of them.
type EntryPlan struct {
	RuntimeImport string // import path of the vm package
	Natives       []NativeDep
	Units         []PlannedUnit
}

func newPlannedUnit(crate string, kind vm.UnitKind, names *namer) PlannedUnit {
	return PlannedUnit{
		Crate: crate,
		Kind:  kind,
		File:  path.Join(UnitsDir, crate+vm.ArtifactExt),
		Var:   names.unique(UnitVar(crate)),
	}
}

// Render generates main.go. Each unit is decoded, linked into the shared
// context and has its entry called; the first failure exits with status 1,
// otherwise the process exits with the last unit's result.
func (p *EntryPlan) Render() ([]byte, error) {
	f := jen.NewFile("main")
	f.HeaderComment("Code generated by rune-deploy. DO NOT EDIT.")
	f.Anon("embed")
	for _, n := range p.Natives {
		f.ImportAlias(n.ModulePath, n.Alias)
	}

	for _, u := range p.Units {
		f.Comment("//go:embed " + u.File)
		f.Var().Id(u.Var).Index().Byte()
		f.Line()
	}

	rt := p.RuntimeImport
	failIf := func(crate string) jen.Code {
		return jen.If(jen.Err().Op("!=").Nil()).Block(
			jen.Id("fail").Call(jen.Lit(crate), jen.Err()),
		)
	}

	body := []jen.Code{
		jen.Id("ctx").Op(":=").Qual(rt, "NewContext").Call(),
	}
	for _, n := range p.Natives {
		body = append(body,
			jen.If(
				jen.Err().Op(":=").Qual(n.ModulePath, InstallFunc).Call(jen.Id("ctx")),
				jen.Err().Op("!=").Nil(),
			).Block(
				jen.Id("fail").Call(jen.Lit(n.Crate), jen.Err()),
			),
		)
	}
	body = append(body, jen.Line(), jen.Var().Id("result").Qual(rt, "Value"))
	for _, u := range p.Units {
		body = append(body,
			jen.Comment(u.Crate+" ("+u.Kind.String()+")"),
			jen.Block(
				jen.List(jen.Id("unit"), jen.Err()).Op(":=").Qual(rt, "UnmarshalUnit").Call(jen.Id(u.Var)),
				failIf(u.Crate),
				jen.List(jen.Id("m"), jen.Err()).Op(":=").Qual(rt, "New").Call(jen.Id("ctx"), jen.Id("unit")),
				failIf(u.Crate),
				jen.List(jen.Id("result"), jen.Err()).Op("=").Id("m").Dot("Call").Call(jen.Id("unit").Dot("Entry")),
				failIf(u.Crate),
			),
		)
	}
	body = append(body, jen.Qual("os", "Exit").Call(jen.Qual(rt, "ExitCode").Call(jen.Id("result"))))

	f.Func().Id("main").Params().Block(body...)
	f.Line()
	f.Func().Id("fail").Params(jen.Id("crate").String(), jen.Err().Error()).Block(
		jen.Qual("fmt", "Fprintf").Call(jen.Qual("os", "Stderr"), jen.Lit("%s: %v\n"), jen.Id("crate"), jen.Err()),
		jen.Qual("os", "Exit").Call(jen.Lit(1)),
	)

	var buf bytes.Buffer
	if err := f.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
