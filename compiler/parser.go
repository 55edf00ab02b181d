package compiler

import (
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Parser: Recursive descent parser for script source
// ---------------------------------------------------------------------------

// Parser parses one source file into an AST. Errors are recorded as
// diagnostics; after an error the parser skips to the next statement so
// one mistake produces one message.
type Parser struct {
	lexer     *Lexer
	path      string
	curToken  Token
	peekToken Token
	diags     *Diagnostics
	panicking bool
}

// NewParser creates a new parser for the given input. Diagnostics are
// appended to diags.
func NewParser(path, input string, diags *Diagnostics) *Parser {
	p := &Parser{
		lexer: NewLexer(input),
		path:  path,
		diags: diags,
	}
	// Read two tokens to fill curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// nextToken advances to the next token. Lexical errors are reported here
// and never reach the grammar.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	for {
		p.peekToken = p.lexer.NextToken()
		if p.peekToken.Type != TokenError {
			return
		}
		p.diags.Errorf(p.path, p.peekToken.Pos, "%s", p.peekToken.Literal)
		p.panicking = true
	}
}

func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peekToken.Type == t
}

// expect advances if the current token matches, otherwise records an error.
func (p *Parser) expect(t TokenType) bool {
	if p.curTokenIs(t) {
		p.nextToken()
		return true
	}
	p.errorf("expected %s, got %s", describe(t), p.describeCur())
	return false
}

// errorf records a parse error at the current token unless the parser is
// already recovering from one.
func (p *Parser) errorf(format string, args ...any) {
	if p.panicking {
		return
	}
	p.diags.Errorf(p.path, p.curToken.Pos, format, args...)
	p.panicking = true
}

func (p *Parser) describeCur() string {
	switch p.curToken.Type {
	case TokenEOF:
		return "end of file"
	case TokenIdentifier, TokenInteger:
		return p.curToken.Literal
	case TokenString:
		return "string literal"
	}
	return describe(p.curToken.Type)
}

func describe(t TokenType) string {
	if t == TokenIdentifier {
		return "identifier"
	}
	return "'" + t.String() + "'"
}

// synchronize skips to a statement boundary: past the next ';', or up to a
// '}' or 'fn'.
func (p *Parser) synchronize() {
	defer func() { p.panicking = false }()
	for !p.curTokenIs(TokenEOF) {
		switch p.curToken.Type {
		case TokenSemicolon:
			p.nextToken()
			return
		case TokenRBrace, TokenFn:
			return
		}
		p.nextToken()
	}
}

// ---------------------------------------------------------------------------
// Top-level parsing
// ---------------------------------------------------------------------------

// ParseSourceFile parses a sequence of function declarations.
func (p *Parser) ParseSourceFile() *SourceFile {
	file := &SourceFile{Path: p.path}
	for !p.curTokenIs(TokenEOF) {
		if !p.curTokenIs(TokenFn) {
			p.errorf("expected 'fn', got %s", p.describeCur())
			for !p.curTokenIs(TokenEOF) && !p.curTokenIs(TokenFn) {
				p.nextToken()
			}
			p.panicking = false
			continue
		}
		if fn := p.parseFuncDecl(); fn != nil {
			file.Functions = append(file.Functions, fn)
		}
		p.panicking = false
	}
	return file
}

func (p *Parser) parseFuncDecl() *FuncDecl {
	fn := &FuncDecl{At: p.curToken.Pos}
	p.nextToken() // 'fn'

	if !p.curTokenIs(TokenIdentifier) {
		p.errorf("expected function name, got %s", p.describeCur())
		p.skipToNextFn()
		return nil
	}
	fn.Name = p.curToken.Literal
	fn.At = p.curToken.Pos
	p.nextToken()

	if !p.expect(TokenLParen) {
		p.skipToNextFn()
		return nil
	}
	for !p.curTokenIs(TokenRParen) {
		if !p.curTokenIs(TokenIdentifier) {
			p.errorf("expected parameter name, got %s", p.describeCur())
			p.skipToNextFn()
			return nil
		}
		fn.Params = append(fn.Params, p.curToken.Literal)
		p.nextToken()
		if p.curTokenIs(TokenComma) {
			p.nextToken()
		} else if !p.curTokenIs(TokenRParen) {
			p.errorf("expected ',' or ')', got %s", p.describeCur())
			p.skipToNextFn()
			return nil
		}
	}
	p.nextToken() // ')'

	body, ok := p.parseBlock()
	if !ok {
		p.skipToNextFn()
		return nil
	}
	fn.Body = body
	return fn
}

func (p *Parser) skipToNextFn() {
	for !p.curTokenIs(TokenEOF) && !p.curTokenIs(TokenFn) {
		p.nextToken()
	}
}

// parseBlock parses { stmt* }. It reports false when the block could not
// be closed.
func (p *Parser) parseBlock() ([]Stmt, bool) {
	if !p.expect(TokenLBrace) {
		return nil, false
	}
	stmts := []Stmt{}
	for !p.curTokenIs(TokenRBrace) {
		if p.curTokenIs(TokenEOF) || p.curTokenIs(TokenFn) {
			p.errorf("expected '}', got %s", p.describeCur())
			return stmts, false
		}
		if stmt := p.parseStatement(); stmt != nil {
			stmts = append(stmts, stmt)
		}
		if p.panicking {
			p.synchronize()
		}
	}
	p.nextToken() // '}'
	return stmts, true
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (p *Parser) parseStatement() Stmt {
	switch {
	case p.curTokenIs(TokenLet):
		return p.parseLet()
	case p.curTokenIs(TokenIf):
		return p.parseIf()
	case p.curTokenIs(TokenWhile):
		return p.parseWhile()
	case p.curTokenIs(TokenReturn):
		return p.parseReturn()
	case p.curTokenIs(TokenIdentifier) && p.peekTokenIs(TokenAssign):
		return p.parseAssign()
	}

	pos := p.curToken.Pos
	expr := p.parseExpression(lowestPrec)
	if expr == nil {
		return nil
	}
	if !p.expect(TokenSemicolon) {
		return nil
	}
	return &ExprStmt{At: pos, Expr: expr}
}

func (p *Parser) parseLet() Stmt {
	pos := p.curToken.Pos
	p.nextToken() // 'let'
	if !p.curTokenIs(TokenIdentifier) {
		p.errorf("expected variable name, got %s", p.describeCur())
		return nil
	}
	name := p.curToken.Literal
	p.nextToken()
	if !p.expect(TokenAssign) {
		return nil
	}
	value := p.parseExpression(lowestPrec)
	if value == nil || !p.expect(TokenSemicolon) {
		return nil
	}
	return &LetStmt{At: pos, Name: name, Value: value}
}

func (p *Parser) parseAssign() Stmt {
	pos := p.curToken.Pos
	name := p.curToken.Literal
	p.nextToken() // identifier
	p.nextToken() // '='
	value := p.parseExpression(lowestPrec)
	if value == nil || !p.expect(TokenSemicolon) {
		return nil
	}
	return &AssignStmt{At: pos, Name: name, Value: value}
}

func (p *Parser) parseIf() Stmt {
	stmt := &IfStmt{At: p.curToken.Pos}
	p.nextToken() // 'if'
	stmt.Cond = p.parseExpression(lowestPrec)
	if stmt.Cond == nil {
		return nil
	}
	then, ok := p.parseBlock()
	if !ok {
		return nil
	}
	stmt.Then = then
	if !p.curTokenIs(TokenElse) {
		return stmt
	}
	p.nextToken() // 'else'
	if p.curTokenIs(TokenIf) {
		nested := p.parseIf()
		if nested == nil {
			return nil
		}
		stmt.Else = []Stmt{nested}
		return stmt
	}
	els, ok := p.parseBlock()
	if !ok {
		return nil
	}
	stmt.Else = els
	return stmt
}

func (p *Parser) parseWhile() Stmt {
	stmt := &WhileStmt{At: p.curToken.Pos}
	p.nextToken() // 'while'
	stmt.Cond = p.parseExpression(lowestPrec)
	if stmt.Cond == nil {
		return nil
	}
	body, ok := p.parseBlock()
	if !ok {
		return nil
	}
	stmt.Body = body
	return stmt
}

func (p *Parser) parseReturn() Stmt {
	stmt := &ReturnStmt{At: p.curToken.Pos}
	p.nextToken() // 'return'
	if p.curTokenIs(TokenSemicolon) {
		p.nextToken()
		return stmt
	}
	stmt.Value = p.parseExpression(lowestPrec)
	if stmt.Value == nil || !p.expect(TokenSemicolon) {
		return nil
	}
	return stmt
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

const lowestPrec = 1

var binaryPrec = map[TokenType]int{
	TokenOrOr:    1,
	TokenAndAnd:  2,
	TokenEq:      3,
	TokenNe:      3,
	TokenLt:      4,
	TokenLe:      4,
	TokenGt:      4,
	TokenGe:      4,
	TokenPlus:    5,
	TokenMinus:   5,
	TokenStar:    6,
	TokenSlash:   6,
	TokenPercent: 6,
}

// parseExpression parses a binary expression whose operators all bind at
// least as tightly as minPrec. Operators are left associative.
func (p *Parser) parseExpression(minPrec int) Expr {
	left := p.parseUnary()
	if left == nil {
		return nil
	}
	for {
		prec, ok := binaryPrec[p.curToken.Type]
		if !ok || prec < minPrec {
			return left
		}
		op := p.curToken
		p.nextToken()
		right := p.parseExpression(prec + 1)
		if right == nil {
			return nil
		}
		left = &Binary{At: op.Pos, Op: op.Type, Left: left, Right: right}
	}
}

func (p *Parser) parseUnary() Expr {
	if p.curTokenIs(TokenMinus) || p.curTokenIs(TokenBang) {
		op := p.curToken
		p.nextToken()
		operand := p.parseUnary()
		if operand == nil {
			return nil
		}
		return &Unary{At: op.Pos, Op: op.Type, Operand: operand}
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() Expr {
	tok := p.curToken
	switch tok.Type {
	case TokenInteger:
		p.nextToken()
		n, err := strconv.ParseInt(tok.Literal, 10, 64)
		if err != nil {
			p.diags.Errorf(p.path, tok.Pos, "integer literal %s out of range", tok.Literal)
			return &IntLiteral{At: tok.Pos}
		}
		return &IntLiteral{At: tok.Pos, Value: n}
	case TokenString:
		p.nextToken()
		return &StringLiteral{At: tok.Pos, Value: tok.Literal}
	case TokenTrue, TokenFalse:
		p.nextToken()
		return &BoolLiteral{At: tok.Pos, Value: tok.Type == TokenTrue}
	case TokenIdentifier:
		return p.parseIdentifier()
	case TokenLParen:
		p.nextToken()
		expr := p.parseExpression(lowestPrec)
		if expr == nil || !p.expect(TokenRParen) {
			return nil
		}
		return expr
	}
	p.errorf("expected expression, got %s", p.describeCur())
	return nil
}

// parseIdentifier parses a variable reference or a call. Paths
// (crate::fn) are only valid as call targets.
func (p *Parser) parseIdentifier() Expr {
	pos := p.curToken.Pos
	parts := []string{p.curToken.Literal}
	p.nextToken()
	for p.curTokenIs(TokenPathSep) {
		p.nextToken()
		if !p.curTokenIs(TokenIdentifier) {
			p.errorf("expected identifier after '::', got %s", p.describeCur())
			return nil
		}
		parts = append(parts, p.curToken.Literal)
		p.nextToken()
	}
	name := strings.Join(parts, "::")

	if !p.curTokenIs(TokenLParen) {
		if len(parts) > 1 {
			p.errorf("path %s must be called", name)
			return nil
		}
		return &Ident{At: pos, Name: name}
	}

	p.nextToken() // '('
	call := &Call{At: pos, Name: name, Args: []Expr{}}
	for !p.curTokenIs(TokenRParen) {
		arg := p.parseExpression(lowestPrec)
		if arg == nil {
			return nil
		}
		call.Args = append(call.Args, arg)
		if p.curTokenIs(TokenComma) {
			p.nextToken()
		} else if !p.curTokenIs(TokenRParen) {
			p.errorf("expected ',' or ')', got %s", p.describeCur())
			return nil
		}
	}
	p.nextToken() // ')'
	return call
}
