package compiler

import (
	"fmt"

	"github.com/chazu/runedeploy/vm"
)

// Version identifies the code generator. It is folded into artifact cache
// keys, so bump it whenever the emitted bytecode changes for the same source.
const Version = "rune-compiler/1"

// EntryFunction is the function every unit designates as its entry.
const EntryFunction = "main"

// Options configures one compilation.
type Options struct {
	Name string      // crate name the unit is compiled as
	Kind vm.UnitKind // library or executable

	// LinkChecks rejects calls that do not resolve against the crate or
	// the context. Leave it off when dependencies are linked at run time.
	LinkChecks bool
}

// Error is returned when compilation produced error diagnostics.
type Error struct {
	Diagnostics Diagnostics
}

func (e *Error) Error() string {
	errs := e.Diagnostics.Errors()
	switch len(errs) {
	case 0:
		return "compilation failed"
	case 1:
		return errs[0].String()
	default:
		return fmt.Sprintf("%s (and %d more errors)", errs[0], len(errs)-1)
	}
}

// Compile compiles a crate's source set into a unit. The diagnostics are
// returned in every case, including warnings on success. ctx supplies the
// natives and already linked units calls are checked against; nil means
// builtins only.
func Compile(sources *Sources, ctx *vm.Context, opts Options) (*vm.Unit, Diagnostics, error) {
	var diags Diagnostics
	if ctx == nil {
		ctx = vm.NewContext()
	}
	if opts.Name == "" {
		return nil, nil, fmt.Errorf("compiler: unit name is required")
	}
	files := sources.Files()
	if len(files) == 0 {
		diags.Errorf("", Position{}, "crate %s has no source files", opts.Name)
		return nil, diags, &Error{Diagnostics: diags}
	}

	// Parse every file, then collect the crate's function table.
	var parsed []*SourceFile
	for _, f := range files {
		parsed = append(parsed, NewParser(f.Path, f.Text, &diags).ParseSourceFile())
	}

	decls := make(map[string]signature)
	var order []*FuncDecl
	var owners []string
	for _, file := range parsed {
		for _, fn := range file.Functions {
			if prev, dup := decls[fn.Name]; dup {
				diags.Errorf(file.Path, fn.At, "function %s already defined at %s:%d", fn.Name, prev.source, prev.pos.Line)
				continue
			}
			decls[fn.Name] = signature{params: len(fn.Params), source: file.Path, pos: fn.At}
			order = append(order, fn)
			owners = append(owners, file.Path)
		}
	}

	entry, hasEntry := decls[EntryFunction]
	switch {
	case opts.Kind == vm.ExecutableUnit && !hasEntry:
		diags.Errorf(files[0].Path, Position{Line: 1, Column: 1}, "executable crate %s must define fn %s()", opts.Name, EntryFunction)
	case hasEntry && entry.params != 0:
		diags.Errorf(entry.source, entry.pos, "fn %s must not take parameters", EntryFunction)
	}

	if diags.HasErrors() {
		return nil, diags, &Error{Diagnostics: diags}
	}

	unit := &vm.Unit{
		Name:      opts.Name,
		Kind:      opts.Kind,
		Entry:     EntryFunction,
		Functions: make([]vm.Function, 0, len(order)+1),
	}
	for i, decl := range order {
		fc := newFuncCompiler(owners[i], decls, ctx, opts, &diags)
		unit.Functions = append(unit.Functions, fc.compile(decl))
	}
	if !hasEntry {
		unit.Functions = append(unit.Functions, emptyEntry(files[0].Path))
	}

	if diags.HasErrors() {
		return nil, diags, &Error{Diagnostics: diags}
	}
	if err := unit.Validate(); err != nil {
		return nil, diags, fmt.Errorf("compiler: internal error: %w", err)
	}
	return unit, diags, nil
}

// emptyEntry is the entry synthesized for libraries without a main.
func emptyEntry(source string) vm.Function {
	return vm.Function{
		Name:   EntryFunction,
		Source: source,
		Consts: []vm.Value{},
		Code:   []vm.Instr{{Op: vm.OpUnit}, {Op: vm.OpReturn}},
		Lines:  []int32{0, 0},
	}
}
