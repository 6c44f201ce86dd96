package parser

import (
	"fmt"

	"github.com/adaminsky/Kale-lang/ast"
	"github.com/adaminsky/Kale-lang/lexer"
	"github.com/adaminsky/Kale-lang/token"
)

const (
	defaultBinaryPrecedence = 30
	minPrecedence           = 1
	maxPrecedence           = 100
)

// Parser is a token-driven recursive descent parser with a
// precedence-climbing binary layer. On any error it records a
// CompileError and returns nil; the driver consumes one token and
// retries the top level.
type Parser struct {
	l   *lexer.Lexer
	ops *OpTable

	curToken token.Token
	errors   []*token.CompileError
}

func New(l *lexer.Lexer) *Parser {
	return &Parser{
		l:      l,
		ops:    NewOpTable(),
		errors: []*token.CompileError{},
	}
}

// Ops exposes the live operator table so the lowerer can install and
// retract user-defined binary operators.
func (p *Parser) Ops() *OpTable {
	return p.ops
}

// NextToken advances to and returns the next token.
func (p *Parser) NextToken() token.Token {
	p.curToken = p.l.NextToken()
	return p.curToken
}

func (p *Parser) CurToken() token.Token {
	return p.curToken
}

// TakeErrors returns the accumulated errors and resets the sink.
func (p *Parser) TakeErrors() []*token.CompileError {
	errs := p.errors
	p.errors = []*token.CompileError{}
	return errs
}

func (p *Parser) errorf(format string, args ...any) {
	p.errors = append(p.errors, &token.CompileError{
		Token: p.curToken,
		Msg:   fmt.Sprintf(format, args...),
	})
}

// curPrecedence returns the precedence of the pending binary operator
// token, or -1 if the current token is not a declared binop.
func (p *Parser) curPrecedence() int {
	if p.curToken.Type != token.CHAR {
		return -1
	}
	return p.ops.Precedence(p.curToken.Op())
}

// ParseDefinition parses `def prototype expression`. The current token
// is the DEF keyword.
func (p *Parser) ParseDefinition() *ast.Function {
	p.NextToken() // eat def
	proto := p.parsePrototype()
	if proto == nil {
		return nil
	}

	body := p.parseExpression()
	if body == nil {
		return nil
	}
	return &ast.Function{Proto: proto, Body: body}
}

// ParseExtern parses `extern prototype`. The current token is the
// EXTERN keyword.
func (p *Parser) ParseExtern() *ast.Prototype {
	p.NextToken() // eat extern
	return p.parsePrototype()
}

// ParseTopLevelExpr wraps a bare expression in an anonymous
// zero-argument function.
func (p *Parser) ParseTopLevelExpr() *ast.Function {
	tok := p.curToken
	body := p.parseExpression()
	if body == nil {
		return nil
	}

	proto := &ast.Prototype{
		Token: tok,
		Name:  ast.AnonExprName,
		Kind:  ast.RegularFunc,
	}
	return &ast.Function{Proto: proto, Body: body}
}

// prototype
//
//	::= id '(' id* ')'
//	::= 'unary' CHAR '(' id ')'
//	::= 'binary' CHAR number? '(' id id ')'
func (p *Parser) parsePrototype() *ast.Prototype {
	proto := &ast.Prototype{
		Token:      p.curToken,
		Kind:       ast.RegularFunc,
		Precedence: defaultBinaryPrecedence,
	}

	switch p.curToken.Type {
	case token.IDENT:
		proto.Name = p.curToken.Literal
		p.NextToken()
	case token.UNARY:
		p.NextToken()
		if p.curToken.Type != token.CHAR {
			p.errorf("Expected unary operator")
			return nil
		}
		proto.Name = "unary" + p.curToken.Literal
		proto.Kind = ast.UnaryFunc
		p.NextToken()
	case token.BINARY:
		p.NextToken()
		if p.curToken.Type != token.CHAR {
			p.errorf("Expected binary operator")
			return nil
		}
		proto.Name = "binary" + p.curToken.Literal
		proto.Kind = ast.BinaryFunc
		p.NextToken()

		// Read the precedence if present.
		if p.curToken.Type == token.NUMBER {
			if p.curToken.Value < minPrecedence || p.curToken.Value > maxPrecedence {
				p.errorf("Invalid precedence: must be 1..100")
				return nil
			}
			proto.Precedence = int(p.curToken.Value)
			p.NextToken()
		}
	default:
		p.errorf("Expected function name in prototype")
		return nil
	}

	if !p.curToken.IsChar('(') {
		p.errorf("Expected '(' in prototype")
		return nil
	}

	for p.NextToken().Type == token.IDENT {
		proto.Params = append(proto.Params, p.curToken.Literal)
	}
	if !p.curToken.IsChar(')') {
		p.errorf("Expected ')' in prototype")
		return nil
	}
	p.NextToken() // eat ')'

	// Verify right number of names for operator.
	wantParams := map[ast.FuncKind]int{ast.UnaryFunc: 1, ast.BinaryFunc: 2}
	if n, ok := wantParams[proto.Kind]; ok && len(proto.Params) != n {
		p.errorf("Invalid number of operands for operator")
		return nil
	}

	return proto
}

// expression ::= unary binoprhs
func (p *Parser) parseExpression() ast.Expression {
	lhs := p.parseUnary()
	if lhs == nil {
		return nil
	}
	return p.parseBinOpRHS(0, lhs)
}

// parseBinOpRHS climbs precedences: it consumes (binop unary) pairs
// binding at least as tightly as exprPrec, recursing with a higher
// floor whenever the operator after the RHS binds tighter.
func (p *Parser) parseBinOpRHS(exprPrec int, lhs ast.Expression) ast.Expression {
	for {
		tokPrec := p.curPrecedence()

		// If this binop binds at least as tightly as the current one,
		// consume it, otherwise we are done.
		if tokPrec < exprPrec {
			return lhs
		}

		opTok := p.curToken
		p.NextToken() // eat binop

		rhs := p.parseUnary()
		if rhs == nil {
			return nil
		}

		// If the operator after the RHS binds tighter, let it take the
		// RHS as its LHS.
		nextPrec := p.curPrecedence()
		if tokPrec < nextPrec {
			rhs = p.parseBinOpRHS(tokPrec+1, rhs)
			if rhs == nil {
				return nil
			}
		}

		lhs = &ast.InfixExpression{
			Token:    opTok,
			Operator: opTok.Op(),
			Left:     lhs,
			Right:    rhs,
		}
	}
}

// unary ::= primary | CHAR unary, where CHAR is not '(' or ','.
// Unary operators bind tighter than any binary operator.
func (p *Parser) parseUnary() ast.Expression {
	if p.curToken.Type != token.CHAR || p.curToken.IsChar('(') || p.curToken.IsChar(',') {
		return p.parsePrimary()
	}

	opTok := p.curToken
	p.NextToken()
	operand := p.parseUnary()
	if operand == nil {
		return nil
	}
	return &ast.PrefixExpression{Token: opTok, Operator: opTok.Op(), Right: operand}
}

// primary
//
//	::= identifierexpr | numberexpr | parenexpr
//	::= ifexpr | forexpr | varexpr
func (p *Parser) parsePrimary() ast.Expression {
	switch p.curToken.Type {
	case token.IDENT:
		return p.parseIdentifierExpr()
	case token.NUMBER:
		return p.parseNumberExpr()
	case token.IF:
		return p.parseIfExpr()
	case token.FOR:
		return p.parseForExpr()
	case token.VAR:
		return p.parseVarExpr()
	default:
		if p.curToken.IsChar('(') {
			return p.parseParenExpr()
		}
		p.errorf("unknown token when expecting an expression")
		return nil
	}
}

func (p *Parser) parseNumberExpr() ast.Expression {
	lit := &ast.NumberLiteral{Token: p.curToken, Value: p.curToken.Value}
	p.NextToken() // consume the number
	return lit
}

// parenexpr ::= '(' expression ')'
func (p *Parser) parseParenExpr() ast.Expression {
	p.NextToken() // eat (
	v := p.parseExpression()
	if v == nil {
		return nil
	}

	if !p.curToken.IsChar(')') {
		p.errorf("expected ')'")
		return nil
	}
	p.NextToken() // eat )
	return v
}

// identifierexpr ::= identifier | identifier '(' expression* ')'
func (p *Parser) parseIdentifierExpr() ast.Expression {
	tok := p.curToken
	p.NextToken() // eat identifier

	if !p.curToken.IsChar('(') { // Simple variable ref.
		return &ast.Identifier{Token: tok, Value: tok.Literal}
	}

	// Call.
	p.NextToken() // eat (
	var args []ast.Expression
	if !p.curToken.IsChar(')') {
		for {
			arg := p.parseExpression()
			if arg == nil {
				return nil
			}
			args = append(args, arg)

			if p.curToken.IsChar(')') {
				break
			}

			if !p.curToken.IsChar(',') {
				p.errorf("Expected ')' or ',' in argument list")
				return nil
			}
			p.NextToken()
		}
	}
	p.NextToken() // eat )

	return &ast.CallExpression{Token: tok, Callee: tok.Literal, Arguments: args}
}

// ifexpr ::= 'if' expression 'then' expression 'else' expression
func (p *Parser) parseIfExpr() ast.Expression {
	tok := p.curToken
	p.NextToken() // eat the if

	cond := p.parseExpression()
	if cond == nil {
		return nil
	}

	if p.curToken.Type != token.THEN {
		p.errorf("expected then")
		return nil
	}
	p.NextToken() // eat the then

	then := p.parseExpression()
	if then == nil {
		return nil
	}

	if p.curToken.Type != token.ELSE {
		p.errorf("expected else")
		return nil
	}
	p.NextToken()

	els := p.parseExpression()
	if els == nil {
		return nil
	}

	return &ast.IfExpression{Token: tok, Cond: cond, Then: then, Else: els}
}

// forexpr ::= 'for' id '=' expr ',' expr (',' expr)? 'in' expr
func (p *Parser) parseForExpr() ast.Expression {
	tok := p.curToken
	p.NextToken() // eat the for

	if p.curToken.Type != token.IDENT {
		p.errorf("expected identifier after for")
		return nil
	}
	name := p.curToken.Literal
	p.NextToken() // eat identifier

	if !p.curToken.IsChar('=') {
		p.errorf("expected '=' after for")
		return nil
	}
	p.NextToken() // eat '='

	start := p.parseExpression()
	if start == nil {
		return nil
	}
	if !p.curToken.IsChar(',') {
		p.errorf("expected ',' after for start value")
		return nil
	}
	p.NextToken()

	end := p.parseExpression()
	if end == nil {
		return nil
	}

	// The step value is optional.
	var step ast.Expression
	if p.curToken.IsChar(',') {
		p.NextToken()
		step = p.parseExpression()
		if step == nil {
			return nil
		}
	}

	if p.curToken.Type != token.IN {
		p.errorf("expected 'in' after for")
		return nil
	}
	p.NextToken() // eat 'in'

	body := p.parseExpression()
	if body == nil {
		return nil
	}

	return &ast.ForExpression{
		Token:   tok,
		VarName: name,
		Start:   start,
		End:     end,
		Step:    step,
		Body:    body,
	}
}

// varexpr ::= 'var' id ('=' expr)? (',' id ('=' expr)?)* 'in' expr
func (p *Parser) parseVarExpr() ast.Expression {
	tok := p.curToken
	p.NextToken() // eat the var

	if p.curToken.Type != token.IDENT {
		p.errorf("expected identifier after var")
		return nil
	}

	var bindings []ast.VarBinding
	for {
		name := p.curToken.Literal
		p.NextToken() // eat identifier

		// Read the optional initializer.
		var init ast.Expression
		if p.curToken.IsChar('=') {
			p.NextToken() // eat the '='
			init = p.parseExpression()
			if init == nil {
				return nil
			}
		}
		bindings = append(bindings, ast.VarBinding{Name: name, Init: init})

		// End of var list, exit loop.
		if !p.curToken.IsChar(',') {
			break
		}
		p.NextToken() // eat the ','

		if p.curToken.Type != token.IDENT {
			p.errorf("expected identifier list after var")
			return nil
		}
	}

	if p.curToken.Type != token.IN {
		p.errorf("expected 'in' keyword after 'var'")
		return nil
	}
	p.NextToken() // eat 'in'

	body := p.parseExpression()
	if body == nil {
		return nil
	}

	return &ast.VarExpression{Token: tok, Bindings: bindings, Body: body}
}
