package compiler

// ---------------------------------------------------------------------------
// AST: Abstract Syntax Tree for script source
// ---------------------------------------------------------------------------

// Position represents a source location.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

// Node is the interface implemented by all AST nodes.
type Node interface {
	Pos() Position
	node() // marker method
}

// Expr is the interface for expression nodes.
type Expr interface {
	Node
	expr() // marker method
}

// Stmt is the interface for statement nodes.
type Stmt interface {
	Node
	stmt() // marker method
}

// ---------------------------------------------------------------------------
// Expression nodes
// ---------------------------------------------------------------------------

// IntLiteral represents an integer literal.
type IntLiteral struct {
	At    Position
	Value int64
}

// StringLiteral represents a string literal.
type StringLiteral struct {
	At    Position
	Value string
}

// BoolLiteral represents true or false.
type BoolLiteral struct {
	At    Position
	Value bool
}

// Ident is a reference to a local variable or parameter.
type Ident struct {
	At   Position
	Name string
}

// Call is a function call. Name may be qualified (crate::fn).
type Call struct {
	At   Position
	Name string
	Args []Expr
}

// Unary is a prefix operator application.
type Unary struct {
	At      Position
	Op      TokenType
	Operand Expr
}

// Binary is an infix operator application.
type Binary struct {
	At    Position
	Op    TokenType
	Left  Expr
	Right Expr
}

func (n *IntLiteral) Pos() Position    { return n.At }
func (n *StringLiteral) Pos() Position { return n.At }
func (n *BoolLiteral) Pos() Position   { return n.At }
func (n *Ident) Pos() Position         { return n.At }
func (n *Call) Pos() Position          { return n.At }
func (n *Unary) Pos() Position         { return n.At }
func (n *Binary) Pos() Position        { return n.At }

func (*IntLiteral) node()    {}
func (*StringLiteral) node() {}
func (*BoolLiteral) node()   {}
func (*Ident) node()         {}
func (*Call) node()          {}
func (*Unary) node()         {}
func (*Binary) node()        {}

func (*IntLiteral) expr()    {}
func (*StringLiteral) expr() {}
func (*BoolLiteral) expr()   {}
func (*Ident) expr()         {}
func (*Call) expr()          {}
func (*Unary) expr()         {}
func (*Binary) expr()        {}

// ---------------------------------------------------------------------------
// Statement nodes
// ---------------------------------------------------------------------------

// LetStmt declares a new local: let name = value;
type LetStmt struct {
	At    Position
	Name  string
	Value Expr
}

// AssignStmt assigns to an existing local: name = value;
type AssignStmt struct {
	At    Position
	Name  string
	Value Expr
}

// IfStmt is a conditional with an optional else branch. An else-if chain
// is represented as an Else holding a single nested IfStmt.
type IfStmt struct {
	At   Position
	Cond Expr
	Then []Stmt
	Else []Stmt
}

// WhileStmt loops while Cond is truthy.
type WhileStmt struct {
	At   Position
	Cond Expr
	Body []Stmt
}

// ReturnStmt returns Value, or unit when Value is nil.
type ReturnStmt struct {
	At    Position
	Value Expr
}

// ExprStmt evaluates an expression for its side effects.
type ExprStmt struct {
	At   Position
	Expr Expr
}

func (n *LetStmt) Pos() Position    { return n.At }
func (n *AssignStmt) Pos() Position { return n.At }
func (n *IfStmt) Pos() Position     { return n.At }
func (n *WhileStmt) Pos() Position  { return n.At }
func (n *ReturnStmt) Pos() Position { return n.At }
func (n *ExprStmt) Pos() Position   { return n.At }

func (*LetStmt) node()    {}
func (*AssignStmt) node() {}
func (*IfStmt) node()     {}
func (*WhileStmt) node()  {}
func (*ReturnStmt) node() {}
func (*ExprStmt) node()   {}

func (*LetStmt) stmt()    {}
func (*AssignStmt) stmt() {}
func (*IfStmt) stmt()     {}
func (*WhileStmt) stmt()  {}
func (*ReturnStmt) stmt() {}
func (*ExprStmt) stmt()   {}

// ---------------------------------------------------------------------------
// Top level
// ---------------------------------------------------------------------------

// FuncDecl is a top-level function definition.
type FuncDecl struct {
	At     Position
	Name   string
	Params []string
	Body   []Stmt
}

func (n *FuncDecl) Pos() Position { return n.At }
func (*FuncDecl) node()           {}

// SourceFile is one parsed source file.
type SourceFile struct {
	Path      string
	Functions []*FuncDecl
}
