package compiler

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/chazu/runedeploy/vm"
)

func compileOne(src string, opts Options) (*vm.Unit, Diagnostics, error) {
	if opts.Name == "" {
		opts.Name = "crate"
	}
	return Compile(NewSources(Source{Path: "src/lib.rn", Text: src}), vm.NewContext(), opts)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		opts Options
		want string
	}{
		{
			name: "executable without main",
			src:  "fn helper() { return 1; }",
			opts: Options{Kind: vm.ExecutableUnit},
			want: "must define fn main()",
		},
		{
			name: "main with parameters",
			src:  "fn main(x) { return x; }",
			opts: Options{Kind: vm.ExecutableUnit},
			want: "must not take parameters",
		},
		{
			name: "duplicate function",
			src:  "fn f() { }\nfn f() { }",
			want: "function f already defined at src/lib.rn:1",
		},
		{
			name: "local arity",
			src:  "fn f(a) { return a; }\nfn g() { return f(1, 2); }",
			want: "f expects 1 arguments, got 2",
		},
		{
			name: "builtin arity",
			src:  "fn g() { return len(); }",
			want: "len expects 1 arguments, got 0",
		},
		{
			name: "undefined variable",
			src:  "fn g() { return y; }",
			want: `undefined variable "y"`,
		},
		{
			name: "assignment to undeclared",
			src:  "fn g() { y = 1; }",
			want: `assignment to undeclared variable "y"`,
		},
		{
			name: "link check",
			src:  "fn g() { other::f(); }",
			opts: Options{LinkChecks: true},
			want: "unresolved function other::f",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			unit, diags, err := compileOne(tc.src, tc.opts)
			if err == nil {
				t.Fatal("expected compile error")
			}
			if unit != nil {
				t.Error("failed compilation must not return a unit")
			}
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("error %T is not *compiler.Error", err)
			}
			if !strings.Contains(diags.String(), tc.want) {
				t.Errorf("diagnostics = %q, want them to contain %q", diags.String(), tc.want)
			}
		})
	}
}

func TestCompileLibrarySynthesizesEntry(t *testing.T) {
	unit, _, err := compileOne(`fn greet(name) { return "hi " + name; }`, Options{Name: "my-lib", Kind: vm.LibraryUnit})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if unit.Entry != "main" {
		t.Errorf("entry = %q, want main", unit.Entry)
	}
	if _, ok := unit.Lookup("main"); !ok {
		t.Fatal("library unit has no main function")
	}

	ctx := vm.NewContext()
	m, err := vm.New(ctx, unit)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	if v, err := m.Call("main"); err != nil || v != vm.UnitValue() {
		t.Errorf("main() = %v, %v; want (), nil", v, err)
	}
	if v, err := m.Call("greet", vm.StringValue("ann")); err != nil || v != vm.StringValue("hi ann") {
		t.Errorf("greet(ann) = %v, %v", v, err)
	}
}

func TestCompileUnresolvedCallsWithoutLinkChecks(t *testing.T) {
	unit, diags, err := compileOne(`fn main() { my_lib::greet("x"); host_fn(); }`, Options{Kind: vm.ExecutableUnit})
	if err != nil {
		t.Fatalf("Compile: %v\n%s", err, diags)
	}
	if unit == nil {
		t.Fatal("nil unit")
	}
	if diags.HasErrors() {
		t.Errorf("unexpected errors: %s", diags)
	}
	if !strings.Contains(diags.String(), "function host_fn is not defined in this crate") {
		t.Errorf("expected a warning for host_fn, got %q", diags.String())
	}
	if strings.Contains(diags.String(), "my_lib::greet") {
		t.Errorf("qualified calls should not warn, got %q", diags.String())
	}
}

func TestCompileLinkChecksAgainstLinkedUnit(t *testing.T) {
	ctx := vm.NewContext()
	lib, _, err := Compile(NewSources(Source{Path: "src/lib.rn", Text: "fn greet(n) { return n; }"}), ctx, Options{Name: "my-lib"})
	if err != nil {
		t.Fatalf("Compile(lib): %v", err)
	}
	if err := ctx.Link(lib); err != nil {
		t.Fatalf("Link: %v", err)
	}

	app := NewSources(Source{Path: "src/main.rn", Text: `fn main() { my_lib::greet(); }`})
	_, diags, err := Compile(app, ctx, Options{Name: "app", Kind: vm.ExecutableUnit, LinkChecks: true})
	if err == nil {
		t.Fatal("expected arity error against linked unit")
	}
	if !strings.Contains(diags.String(), "my_lib::greet expects 1 arguments, got 0") {
		t.Errorf("diagnostics = %q", diags.String())
	}
}

func TestCompileMultipleFiles(t *testing.T) {
	sources := NewSources(
		Source{Path: "src/main.rn", Text: "fn main() { return helper(); }"},
		Source{Path: "src/util.rn", Text: "fn helper() { return 7; }"},
	)
	unit, _, err := Compile(sources, nil, Options{Name: "multi", Kind: vm.ExecutableUnit})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	fn, ok := unit.Lookup("helper")
	if !ok {
		t.Fatal("helper not compiled")
	}
	if fn.Source != "src/util.rn" {
		t.Errorf("helper source = %q, want src/util.rn", fn.Source)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	src := `
fn main() {
    let a = "x";
    let b = 2;
    if b > 1 && a == "x" { println(a, b); }
    return b;
}
`
	first, _, err := compileOne(src, Options{Kind: vm.ExecutableUnit})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	second, _, err := compileOne(src, Options{Kind: vm.ExecutableUnit})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	a, err := vm.MarshalUnit(first)
	if err != nil {
		t.Fatalf("MarshalUnit: %v", err)
	}
	b, err := vm.MarshalUnit(second)
	if err != nil {
		t.Fatalf("MarshalUnit: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("compiling the same source twice produced different artifacts")
	}
}

func TestDiagnosticsEmit(t *testing.T) {
	src := "fn main() {\n    let x = ;\n}\n"
	sources := NewSources(Source{Path: "src/main.rn", Text: src})
	_, diags, err := Compile(sources, nil, Options{Name: "bad", Kind: vm.ExecutableUnit})
	if err == nil {
		t.Fatal("expected error")
	}

	var buf bytes.Buffer
	if err := diags.Emit(&buf, sources); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"error: expected expression, got ';'",
		"--> src/main.rn:2:13",
		"2 |     let x = ;",
		"  |             ^",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered diagnostics missing %q:\n%s", want, out)
		}
	}
}
