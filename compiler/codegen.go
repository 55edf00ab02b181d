package compiler

import (
	"sort"
	"strings"

	"github.com/chazu/runedeploy/vm"
)

// ---------------------------------------------------------------------------
// Codegen: Compile AST to bytecode
// ---------------------------------------------------------------------------

// signature is what codegen knows about a function declared in the crate.
type signature struct {
	params int
	source string
	pos    Position
}

type local struct {
	slot int32
	used bool
	pos  Position
}

// funcCompiler compiles one function. Every let gets its own slot, so
// Locals is the parameter count plus the number of lets.
type funcCompiler struct {
	source  string
	decls   map[string]signature
	ctx     *vm.Context
	opts    Options
	diags   *Diagnostics
	fn      vm.Function
	scopes  []map[string]*local
	consts  map[vm.Value]int32
	line    int32
	nlocals int32
}

func newFuncCompiler(source string, decls map[string]signature, ctx *vm.Context, opts Options, diags *Diagnostics) *funcCompiler {
	return &funcCompiler{
		source: source,
		decls:  decls,
		ctx:    ctx,
		opts:   opts,
		diags:  diags,
	}
}

// compile turns decl into a vm.Function.
func (c *funcCompiler) compile(decl *FuncDecl) vm.Function {
	c.fn = vm.Function{
		Name:   decl.Name,
		Params: len(decl.Params),
		Source: c.source,
		Consts: []vm.Value{},
		Code:   []vm.Instr{},
		Lines:  []int32{},
	}
	c.consts = make(map[vm.Value]int32)
	c.scopes = nil
	c.nlocals = 0
	c.line = int32(decl.At.Line)

	c.pushScope()
	for _, name := range decl.Params {
		if _, dup := c.scopes[0][name]; dup {
			c.diags.Errorf(c.source, decl.At, "duplicate parameter %q in function %s", name, decl.Name)
			continue
		}
		c.declare(name, decl.At)
		c.scopes[0][name].used = true
	}
	c.compileBlock(decl.Body)
	c.popScope()

	// implicit return ()
	c.emit(vm.OpUnit, 0, 0)
	c.emit(vm.OpReturn, 0, 0)

	c.fn.Locals = int(c.nlocals)
	return c.fn
}

// ---------------------------------------------------------------------------
// Scopes
// ---------------------------------------------------------------------------

func (c *funcCompiler) pushScope() {
	c.scopes = append(c.scopes, make(map[string]*local))
}

func (c *funcCompiler) popScope() {
	top := c.scopes[len(c.scopes)-1]
	names := make([]string, 0, len(top))
	for name, l := range top {
		if !l.used && !strings.HasPrefix(name, "_") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		c.diags.Warnf(c.source, top[name].pos, "unused variable %q", name)
	}
	c.scopes = c.scopes[:len(c.scopes)-1]
}

func (c *funcCompiler) declare(name string, pos Position) int32 {
	slot := c.nlocals
	c.nlocals++
	c.scopes[len(c.scopes)-1][name] = &local{slot: slot, pos: pos}
	return slot
}

func (c *funcCompiler) resolve(name string) (*local, bool) {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if l, ok := c.scopes[i][name]; ok {
			return l, true
		}
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

func (c *funcCompiler) emit(op vm.Op, a, b int32) int {
	c.fn.Code = append(c.fn.Code, vm.Instr{Op: op, A: a, B: b})
	c.fn.Lines = append(c.fn.Lines, c.line)
	return len(c.fn.Code) - 1
}

// patch points the jump at pc to the next instruction to be emitted.
func (c *funcCompiler) patch(pc int) {
	c.fn.Code[pc].A = int32(len(c.fn.Code))
}

func (c *funcCompiler) constant(v vm.Value) int32 {
	if idx, ok := c.consts[v]; ok {
		return idx
	}
	idx := int32(len(c.fn.Consts))
	c.fn.Consts = append(c.fn.Consts, v)
	c.consts[v] = idx
	return idx
}

func (c *funcCompiler) at(pos Position) {
	if pos.Line > 0 {
		c.line = int32(pos.Line)
	}
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (c *funcCompiler) compileBlock(stmts []Stmt) {
	c.pushScope()
	for _, s := range stmts {
		c.compileStmt(s)
	}
	c.popScope()
}

func (c *funcCompiler) compileStmt(s Stmt) {
	c.at(s.Pos())
	switch s := s.(type) {
	case *LetStmt:
		// the initializer sees the previous binding of a shadowed name
		c.compileExpr(s.Value)
		c.at(s.At)
		slot := c.declare(s.Name, s.At)
		c.emit(vm.OpStore, slot, 0)

	case *AssignStmt:
		l, ok := c.resolve(s.Name)
		if !ok {
			c.diags.Errorf(c.source, s.At, "assignment to undeclared variable %q", s.Name)
			return
		}
		c.compileExpr(s.Value)
		c.at(s.At)
		c.emit(vm.OpStore, l.slot, 0)

	case *IfStmt:
		c.compileExpr(s.Cond)
		c.at(s.At)
		jumpElse := c.emit(vm.OpJumpIfFalse, 0, 0)
		c.compileBlock(s.Then)
		if len(s.Else) == 0 {
			c.patch(jumpElse)
			return
		}
		jumpEnd := c.emit(vm.OpJump, 0, 0)
		c.patch(jumpElse)
		c.compileBlock(s.Else)
		c.patch(jumpEnd)

	case *WhileStmt:
		top := int32(len(c.fn.Code))
		c.compileExpr(s.Cond)
		c.at(s.At)
		exit := c.emit(vm.OpJumpIfFalse, 0, 0)
		c.compileBlock(s.Body)
		c.at(s.At)
		c.emit(vm.OpJump, top, 0)
		c.patch(exit)

	case *ReturnStmt:
		if s.Value == nil {
			c.emit(vm.OpUnit, 0, 0)
		} else {
			c.compileExpr(s.Value)
			c.at(s.At)
		}
		c.emit(vm.OpReturn, 0, 0)

	case *ExprStmt:
		c.compileExpr(s.Expr)
		c.at(s.At)
		c.emit(vm.OpPop, 0, 0)
	}
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

var binaryOps = map[TokenType]vm.Op{
	TokenPlus:    vm.OpAdd,
	TokenMinus:   vm.OpSub,
	TokenStar:    vm.OpMul,
	TokenSlash:   vm.OpDiv,
	TokenPercent: vm.OpMod,
	TokenEq:      vm.OpEq,
	TokenNe:      vm.OpNe,
	TokenLt:      vm.OpLt,
	TokenLe:      vm.OpLe,
	TokenGt:      vm.OpGt,
	TokenGe:      vm.OpGe,
}

func (c *funcCompiler) compileExpr(e Expr) {
	c.at(e.Pos())
	switch e := e.(type) {
	case *IntLiteral:
		c.emit(vm.OpConst, c.constant(vm.IntValue(e.Value)), 0)

	case *StringLiteral:
		c.emit(vm.OpConst, c.constant(vm.StringValue(e.Value)), 0)

	case *BoolLiteral:
		c.emit(vm.OpConst, c.constant(vm.BoolValue(e.Value)), 0)

	case *Ident:
		l, ok := c.resolve(e.Name)
		if !ok {
			c.diags.Errorf(c.source, e.At, "undefined variable %q", e.Name)
			return
		}
		l.used = true
		c.emit(vm.OpLoad, l.slot, 0)

	case *Call:
		c.checkCall(e)
		for _, arg := range e.Args {
			c.compileExpr(arg)
		}
		c.at(e.At)
		c.emit(vm.OpCall, c.constant(vm.StringValue(e.Name)), int32(len(e.Args)))

	case *Unary:
		c.compileExpr(e.Operand)
		c.at(e.At)
		if e.Op == TokenMinus {
			c.emit(vm.OpNeg, 0, 0)
		} else {
			c.emit(vm.OpNot, 0, 0)
		}

	case *Binary:
		switch e.Op {
		case TokenAndAnd:
			// left && right: false without evaluating right when left is falsy
			c.compileExpr(e.Left)
			c.at(e.At)
			short := c.emit(vm.OpJumpIfFalse, 0, 0)
			c.compileExpr(e.Right)
			c.at(e.At)
			c.emit(vm.OpTruthy, 0, 0)
			end := c.emit(vm.OpJump, 0, 0)
			c.patch(short)
			c.emit(vm.OpConst, c.constant(vm.BoolValue(false)), 0)
			c.patch(end)
		case TokenOrOr:
			c.compileExpr(e.Left)
			c.at(e.At)
			right := c.emit(vm.OpJumpIfFalse, 0, 0)
			c.emit(vm.OpConst, c.constant(vm.BoolValue(true)), 0)
			end := c.emit(vm.OpJump, 0, 0)
			c.patch(right)
			c.compileExpr(e.Right)
			c.at(e.At)
			c.emit(vm.OpTruthy, 0, 0)
			c.patch(end)
		default:
			c.compileExpr(e.Left)
			c.compileExpr(e.Right)
			c.at(e.At)
			c.emit(binaryOps[e.Op], 0, 0)
		}
	}
}

// checkCall validates a call target. Functions of this crate and natives
// known to the context are arity checked. Anything else must come from
// the shared runtime context: an error when link checks are on, a warning
// for unqualified names otherwise.
func (c *funcCompiler) checkCall(call *Call) {
	argc := len(call.Args)
	qualified := strings.Contains(call.Name, "::")

	if !qualified {
		if sig, ok := c.decls[call.Name]; ok {
			if sig.params != argc {
				c.diags.Errorf(c.source, call.At, "%s expects %d arguments, got %d", call.Name, sig.params, argc)
			}
			return
		}
	}
	if arity, ok := c.ctx.Arity(call.Name); ok {
		if arity != vm.Variadic && arity != argc {
			c.diags.Errorf(c.source, call.At, "%s expects %d arguments, got %d", call.Name, arity, argc)
		}
		return
	}
	switch {
	case c.opts.LinkChecks:
		c.diags.Errorf(c.source, call.At, "unresolved function %s", call.Name)
	case !qualified:
		c.diags.Warnf(c.source, call.At, "function %s is not defined in this crate and must be provided at run time", call.Name)
	}
}
