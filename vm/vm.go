package vm

import (
	"errors"
	"fmt"
	"strings"
)

// MaxCallDepth bounds script recursion.
const MaxCallDepth = 1024

// ErrStackOverflow is reported when a call exceeds MaxCallDepth.
var ErrStackOverflow = errors.New("stack overflow")

// RuntimeError describes a failure while executing script code.
type RuntimeError struct {
	Unit     string
	Function string
	Source   string
	Line     int32
	Err      error
}

func (e *RuntimeError) Error() string {
	loc := e.Unit + "::" + e.Function
	if e.Source != "" && e.Line > 0 {
		loc = fmt.Sprintf("%s (%s:%d)", loc, e.Source, e.Line)
	}
	return fmt.Sprintf("runtime error in %s: %v", loc, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Vm executes the functions of one unit against a shared Context.
type Vm struct {
	ctx   *Context
	unit  *Unit
	depth int
}

// New constructs a VM bound to ctx and unit. The unit is validated and
// linked into ctx so that units constructed afterwards can call it.
func New(ctx *Context, unit *Unit) (*Vm, error) {
	if ctx == nil || unit == nil {
		return nil, errors.New("vm: nil context or unit")
	}
	if err := unit.Validate(); err != nil {
		return nil, fmt.Errorf("vm: invalid unit %q: %w", unit.Name, err)
	}
	if err := ctx.Link(unit); err != nil {
		return nil, err
	}
	return &Vm{ctx: ctx, unit: unit}, nil
}

// Unit returns the unit this VM is bound to.
func (m *Vm) Unit() *Unit { return m.unit }

// Call invokes a function of the bound unit by unqualified name.
func (m *Vm) Call(name string, args ...Value) (Value, error) {
	fn, ok := m.unit.Lookup(name)
	if !ok {
		return UnitValue(), fmt.Errorf("vm: unit %q has no function %q", m.unit.Name, name)
	}
	if len(args) != fn.Params {
		return UnitValue(), fmt.Errorf("vm: %s expects %d arguments, got %d", name, fn.Params, len(args))
	}
	m.depth = 0
	return m.exec(m.unit, fn, args)
}

func (m *Vm) exec(u *Unit, fn *Function, args []Value) (Value, error) {
	m.depth++
	defer func() { m.depth-- }()
	if m.depth > MaxCallDepth {
		return UnitValue(), &RuntimeError{Unit: u.Name, Function: fn.Name, Source: fn.Source, Err: ErrStackOverflow}
	}

	locals := make([]Value, fn.Locals)
	copy(locals, args)
	stack := make([]Value, 0, 16)

	pop := func() Value {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}

	for pc := 0; pc < len(fn.Code); pc++ {
		in := fn.Code[pc]
		fail := func(err error) (Value, error) {
			var rerr *RuntimeError
			if errors.As(err, &rerr) {
				return UnitValue(), err
			}
			return UnitValue(), &RuntimeError{Unit: u.Name, Function: fn.Name, Source: fn.Source, Line: fn.Lines[pc], Err: err}
		}

		switch in.Op {
		case OpNop:
		case OpConst:
			stack = append(stack, fn.Consts[in.A])
		case OpUnit:
			stack = append(stack, UnitValue())
		case OpLoad:
			stack = append(stack, locals[in.A])
		case OpStore:
			locals[in.A] = pop()
		case OpPop:
			pop()
		case OpNeg:
			v := pop()
			if !v.IsInt() {
				return fail(fmt.Errorf("cannot negate %s", v.Kind))
			}
			stack = append(stack, IntValue(-v.Int))
		case OpNot:
			stack = append(stack, BoolValue(!pop().Truthy()))
		case OpTruthy:
			stack = append(stack, BoolValue(pop().Truthy()))
		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
			y := pop()
			x := pop()
			v, err := binary(in.Op, x, y)
			if err != nil {
				return fail(err)
			}
			stack = append(stack, v)
		case OpJump:
			pc = int(in.A) - 1
		case OpJumpIfFalse:
			if !pop().Truthy() {
				pc = int(in.A) - 1
			}
		case OpCall:
			argc := int(in.B)
			callArgs := make([]Value, argc)
			copy(callArgs, stack[len(stack)-argc:])
			stack = stack[:len(stack)-argc]
			v, err := m.call(u, fn.Consts[in.A].Str, callArgs)
			if err != nil {
				return fail(err)
			}
			stack = append(stack, v)
		case OpReturn:
			if len(stack) == 0 {
				return UnitValue(), nil
			}
			return pop(), nil
		default:
			return fail(fmt.Errorf("unknown opcode %s", in.Op))
		}
	}
	return UnitValue(), nil
}

// call resolves name from the perspective of unit u: unqualified names are
// the unit's own functions, then natives; qualified names are linked units,
// then natives registered under a qualified name.
func (m *Vm) call(u *Unit, name string, args []Value) (Value, error) {
	if !strings.Contains(name, "::") {
		if fn, ok := u.Lookup(name); ok {
			return m.invoke(u, fn, args)
		}
	} else if l, ok := m.ctx.lookupLinked(name); ok {
		return m.invoke(l.unit, l.fn, args)
	}
	if n, ok := m.ctx.lookupNative(name); ok {
		if n.arity != Variadic && n.arity != len(args) {
			return UnitValue(), fmt.Errorf("%s expects %d arguments, got %d", name, n.arity, len(args))
		}
		return n.fn(m.ctx, args)
	}
	return UnitValue(), fmt.Errorf("unresolved function %q", name)
}

func (m *Vm) invoke(u *Unit, fn *Function, args []Value) (Value, error) {
	if len(args) != fn.Params {
		return UnitValue(), fmt.Errorf("%s expects %d arguments, got %d", fn.Name, fn.Params, len(args))
	}
	return m.exec(u, fn, args)
}

func binary(op Op, x, y Value) (Value, error) {
	switch op {
	case OpEq:
		return BoolValue(x == y), nil
	case OpNe:
		return BoolValue(x != y), nil
	case OpAdd:
		if x.IsString() || y.IsString() {
			return StringValue(x.String() + y.String()), nil
		}
	}

	if x.IsString() && y.IsString() {
		switch op {
		case OpLt:
			return BoolValue(x.Str < y.Str), nil
		case OpLe:
			return BoolValue(x.Str <= y.Str), nil
		case OpGt:
			return BoolValue(x.Str > y.Str), nil
		case OpGe:
			return BoolValue(x.Str >= y.Str), nil
		}
	}

	if !x.IsInt() || !y.IsInt() {
		return UnitValue(), fmt.Errorf("unsupported operand types for %s: %s and %s", op, x.Kind, y.Kind)
	}
	a, b := x.Int, y.Int
	switch op {
	case OpAdd:
		return IntValue(a + b), nil
	case OpSub:
		return IntValue(a - b), nil
	case OpMul:
		return IntValue(a * b), nil
	case OpDiv, OpMod:
		if b == 0 {
			return UnitValue(), errors.New("division by zero")
		}
		if op == OpDiv {
			return IntValue(a / b), nil
		}
		return IntValue(a % b), nil
	case OpLt:
		return BoolValue(a < b), nil
	case OpLe:
		return BoolValue(a <= b), nil
	case OpGt:
		return BoolValue(a > b), nil
	case OpGe:
		return BoolValue(a >= b), nil
	}
	return UnitValue(), fmt.Errorf("unsupported operator %s", op)
}
