package compiler

import (
	"strings"
	"testing"
)

func parse(t *testing.T, input string) (*SourceFile, Diagnostics) {
	t.Helper()
	var diags Diagnostics
	file := NewParser("src/main.rn", input, &diags).ParseSourceFile()
	return file, diags
}

func TestParseFunctions(t *testing.T) {
	file, diags := parse(t, `
fn add(a, b) { return a + b; }
fn main() {
    let x = add(1, 2);
    println(x);
}
`)
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics:\n%s", diags)
	}
	if len(file.Functions) != 2 {
		t.Fatalf("got %d functions, want 2", len(file.Functions))
	}
	add := file.Functions[0]
	if add.Name != "add" || len(add.Params) != 2 || add.Params[1] != "b" {
		t.Errorf("add = %+v", add)
	}
	main := file.Functions[1]
	if len(main.Body) != 2 {
		t.Fatalf("main has %d statements, want 2", len(main.Body))
	}
	let, ok := main.Body[0].(*LetStmt)
	if !ok {
		t.Fatalf("statement 0 is %T, want *LetStmt", main.Body[0])
	}
	call, ok := let.Value.(*Call)
	if !ok || call.Name != "add" || len(call.Args) != 2 {
		t.Errorf("let value = %#v, want call to add with 2 args", let.Value)
	}
}

func TestParsePrecedence(t *testing.T) {
	file, diags := parse(t, `fn main() { return 1 + 2 * 3 == 7 && !false; }`)
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics:\n%s", diags)
	}
	ret := file.Functions[0].Body[0].(*ReturnStmt)

	and, ok := ret.Value.(*Binary)
	if !ok || and.Op != TokenAndAnd {
		t.Fatalf("top = %#v, want &&", ret.Value)
	}
	eq, ok := and.Left.(*Binary)
	if !ok || eq.Op != TokenEq {
		t.Fatalf("left of && = %#v, want ==", and.Left)
	}
	sum, ok := eq.Left.(*Binary)
	if !ok || sum.Op != TokenPlus {
		t.Fatalf("left of == = %#v, want +", eq.Left)
	}
	if mul, ok := sum.Right.(*Binary); !ok || mul.Op != TokenStar {
		t.Errorf("right of + = %#v, want *", sum.Right)
	}
	if not, ok := and.Right.(*Unary); !ok || not.Op != TokenBang {
		t.Errorf("right of && = %#v, want !", and.Right)
	}
}

func TestParseLeftAssociative(t *testing.T) {
	file, _ := parse(t, `fn main() { return 10 - 3 - 2; }`)
	ret := file.Functions[0].Body[0].(*ReturnStmt)
	outer := ret.Value.(*Binary)
	if _, ok := outer.Left.(*Binary); !ok {
		t.Errorf("10 - 3 - 2 should group as (10 - 3) - 2, got %#v", outer)
	}
}

func TestParseControlFlow(t *testing.T) {
	file, diags := parse(t, `
fn main() {
    let i = 0;
    while i < 3 {
        if i == 1 { println("one"); } else if i == 2 { println("two"); } else { println("other"); }
        i = i + 1;
    }
    return;
}
`)
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics:\n%s", diags)
	}
	body := file.Functions[0].Body
	loop, ok := body[1].(*WhileStmt)
	if !ok {
		t.Fatalf("statement 1 is %T, want *WhileStmt", body[1])
	}
	ifs, ok := loop.Body[0].(*IfStmt)
	if !ok {
		t.Fatalf("loop statement 0 is %T, want *IfStmt", loop.Body[0])
	}
	if len(ifs.Else) != 1 {
		t.Fatalf("else branch has %d statements, want a nested if", len(ifs.Else))
	}
	if _, ok := ifs.Else[0].(*IfStmt); !ok {
		t.Errorf("else branch is %T, want *IfStmt", ifs.Else[0])
	}
	if _, ok := loop.Body[1].(*AssignStmt); !ok {
		t.Errorf("loop statement 1 is %T, want *AssignStmt", loop.Body[1])
	}
	if ret, ok := body[2].(*ReturnStmt); !ok || ret.Value != nil {
		t.Errorf("statement 2 = %#v, want bare return", body[2])
	}
}

func TestParseQualifiedCall(t *testing.T) {
	file, diags := parse(t, `fn main() { my_lib::greet("bob"); }`)
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics:\n%s", diags)
	}
	stmt := file.Functions[0].Body[0].(*ExprStmt)
	call := stmt.Expr.(*Call)
	if call.Name != "my_lib::greet" {
		t.Errorf("call name = %q, want my_lib::greet", call.Name)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		line  int
	}{
		{"missing semicolon", "fn main() {\n    println(\"hi\")\n}\n", "expected ';', got '}'", 3},
		{"missing expression", "fn main() {\n    let x = ;\n}\n", "expected expression, got ';'", 2},
		{"top level statement", "let x = 1;\n", "expected 'fn', got 'let'", 1},
		{"unterminated block", "fn main() {\n    return 1;\n", "expected '}', got end of file", 3},
		{"uncalled path", "fn main() { let f = a::b; }", "path a::b must be called", 1},
		{"unterminated string", "fn main() {\n    println(\"oops);\n}\n", "unterminated string", 2},
		{"integer overflow", "fn main() { return 99999999999999999999; }", "out of range", 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, diags := parse(t, tc.input)
			errs := diags.Errors()
			if len(errs) == 0 {
				t.Fatal("expected a parse error")
			}
			if !strings.Contains(errs[0].Message, tc.want) {
				t.Errorf("first error = %q, want it to contain %q", errs[0].Message, tc.want)
			}
			if errs[0].Pos.Line != tc.line {
				t.Errorf("error line = %d, want %d", errs[0].Pos.Line, tc.line)
			}
			if errs[0].Source != "src/main.rn" {
				t.Errorf("error source = %q", errs[0].Source)
			}
		})
	}
}

func TestParseRecoversAfterError(t *testing.T) {
	file, diags := parse(t, `
fn broken() {
    let = 1;
    println("still parsed");
}
fn main() { return 0; }
`)
	if got := len(diags.Errors()); got != 1 {
		t.Errorf("got %d errors, want 1:\n%s", got, diags)
	}
	var names []string
	for _, fn := range file.Functions {
		names = append(names, fn.Name)
	}
	if strings.Join(names, ",") != "broken,main" {
		t.Errorf("functions = %v, want [broken main]", names)
	}
}
