package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Op is a single VM instruction opcode.
type Op uint8

// Stack and variable operations
const (
	OpNop   Op = iota
	OpConst    // push Consts[A]
	OpUnit     // push ()
	OpLoad     // push local slot A
	OpStore    // pop into local slot A
	OpPop      // discard top of stack
)

// Arithmetic and comparison
const (
	OpAdd Op = iota + 0x10
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg
	OpNot
	OpTruthy // replace top of stack with its truth value
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

// Control flow
const (
	OpJump        Op = iota + 0x30 // pc = A
	OpJumpIfFalse                  // pop; if falsy pc = A
	OpCall                         // call function named Consts[A] with B args
	OpReturn                       // return top of stack
)

var opNames = map[Op]string{
	OpNop: "NOP", OpConst: "CONST", OpUnit: "UNIT", OpLoad: "LOAD", OpStore: "STORE", OpPop: "POP",
	OpAdd: "ADD", OpSub: "SUB", OpMul: "MUL", OpDiv: "DIV", OpMod: "MOD", OpNeg: "NEG", OpNot: "NOT",
	OpTruthy: "TRUTHY", OpEq: "EQ", OpNe: "NE", OpLt: "LT", OpLe: "LE", OpGt: "GT", OpGe: "GE",
	OpJump: "JUMP", OpJumpIfFalse: "JUMP_IF_FALSE", OpCall: "CALL", OpReturn: "RETURN",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP(%#x)", uint8(op))
}

// Instr is one decoded instruction. A and B are opcode specific operands.
type Instr struct {
	_  struct{} `cbor:",toarray"`
	Op Op
	A  int32
	B  int32
}

// ---------------------------------------------------------------------------
// Compiled units
// ---------------------------------------------------------------------------

// UnitKind distinguishes library crates from executables.
type UnitKind uint8

const (
	LibraryUnit UnitKind = iota
	ExecutableUnit
)

func (k UnitKind) String() string {
	if k == ExecutableUnit {
		return "executable"
	}
	return "library"
}

// Function is one compiled script function.
type Function struct {
	Name   string
	Params int
	Locals int // total local slots, parameters included
	Consts []Value
	Code   []Instr
	Lines  []int32 // source line per instruction, same length as Code
	Source string  // source file the function was declared in
}

// Unit is the compiled form of one script crate.
type Unit struct {
	Name       string
	Kind       UnitKind
	SourceHash string // hash of the source set the unit was compiled from
	Entry      string // designated entry function
	Functions  []Function
}

// Lookup returns the function with the given unqualified name.
func (u *Unit) Lookup(name string) (*Function, bool) {
	for i := range u.Functions {
		if u.Functions[i].Name == name {
			return &u.Functions[i], true
		}
	}
	return nil, false
}

// LinkName returns the name a crate is addressed by from other units.
// Hyphens are not valid in script identifiers, so "my-lib" links as "my_lib".
func LinkName(crate string) string {
	return strings.ReplaceAll(crate, "-", "_")
}

// QualifiedName returns the fully qualified name of fn within crate.
func QualifiedName(crate, fn string) string {
	return LinkName(crate) + "::" + fn
}

// Validate checks the structural invariants the interpreter relies on:
// operands in range, jump targets inside the function, line table length.
func (u *Unit) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("unit has no name")
	}
	seen := make(map[string]bool, len(u.Functions))
	for i := range u.Functions {
		fn := &u.Functions[i]
		if seen[fn.Name] {
			return fmt.Errorf("duplicate function %q", fn.Name)
		}
		seen[fn.Name] = true
		if err := fn.validate(); err != nil {
			return fmt.Errorf("function %q: %w", fn.Name, err)
		}
	}
	if u.Entry != "" && !seen[u.Entry] {
		return fmt.Errorf("entry function %q not defined", u.Entry)
	}
	return nil
}

func (fn *Function) validate() error {
	if fn.Params < 0 || fn.Locals < fn.Params {
		return fmt.Errorf("invalid frame layout: %d params, %d locals", fn.Params, fn.Locals)
	}
	if len(fn.Lines) != len(fn.Code) {
		return fmt.Errorf("line table has %d entries for %d instructions", len(fn.Lines), len(fn.Code))
	}
	for pc, in := range fn.Code {
		switch in.Op {
		case OpConst:
			if in.A < 0 || int(in.A) >= len(fn.Consts) {
				return fmt.Errorf("pc %d: constant %d out of range", pc, in.A)
			}
		case OpLoad, OpStore:
			if in.A < 0 || int(in.A) >= fn.Locals {
				return fmt.Errorf("pc %d: slot %d out of range", pc, in.A)
			}
		case OpJump, OpJumpIfFalse:
			if in.A < 0 || int(in.A) > len(fn.Code) {
				return fmt.Errorf("pc %d: jump target %d out of range", pc, in.A)
			}
		case OpCall:
			if in.A < 0 || int(in.A) >= len(fn.Consts) || !fn.Consts[in.A].IsString() {
				return fmt.Errorf("pc %d: call target %d is not a function name", pc, in.A)
			}
			if in.B < 0 {
				return fmt.Errorf("pc %d: negative argument count", pc)
			}
		default:
			if _, ok := opNames[in.Op]; !ok {
				return fmt.Errorf("pc %d: unknown opcode %s", pc, in.Op)
			}
		}
	}
	return nil
}
