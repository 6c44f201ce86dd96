package main

import (
	"fmt"
	"os"

	"github.com/adaminsky/Kale-lang/ast"
	"github.com/adaminsky/Kale-lang/compiler"
	"github.com/adaminsky/Kale-lang/parser"
	"github.com/adaminsky/Kale-lang/token"
	"tinygo.org/x/go-llvm"
)

// Driver dispatches top-level forms between the parser, the lowerer,
// and the JIT or object-file backend. In JIT mode each definition and
// each anonymous expression travels in its own module; the prototype
// registry and the operator table persist across module swaps.
type Driver struct {
	ctx     llvm.Context
	machine llvm.TargetMachine
	triple  string

	parser   *parser.Parser
	compiler *compiler.Compiler
	protos   map[string]*ast.Prototype

	jit     *JIT
	jitMode bool
	printIR bool

	anonCount int // unique anonymous function names in AOT mode
}

func NewDriver(ctx llvm.Context, machine llvm.TargetMachine, triple string, p *parser.Parser, jitMode, printIR bool) *Driver {
	d := &Driver{
		ctx:     ctx,
		machine: machine,
		triple:  triple,
		parser:  p,
		protos:  make(map[string]*ast.Prototype),
		jitMode: jitMode,
		printIR: printIR,
	}
	d.compiler = d.newCompiler()
	if jitMode {
		d.jit = &JIT{}
	}
	return d
}

func (d *Driver) newCompiler() *compiler.Compiler {
	c := compiler.NewCompiler(d.ctx, "kale", d.parser.Ops(), d.protos)
	c.SetTargetMachine(d.machine, d.triple)
	return c
}

// freshModule opens a new module for subsequent lowering after the
// current one has been transferred to the JIT.
func (d *Driver) freshModule() {
	d.compiler.Dispose()
	d.compiler = d.newCompiler()
}

// Run is the interpreter loop.
//
//	top ::= definition | external | expression | ';'
func (d *Driver) Run() {
	fmt.Fprint(os.Stderr, "ready> ")
	d.parser.NextToken() // prime the first token

	for {
		fmt.Fprint(os.Stderr, "ready> ")
		tok := d.parser.CurToken()
		switch {
		case tok.Type == token.EOF:
			if d.jitMode && d.printIR {
				d.compiler.Module.Dump()
			}
			return
		case tok.IsChar(';'): // ignore top-level semicolons
			d.parser.NextToken()
		case tok.Type == token.DEF:
			d.handleDefinition()
		case tok.Type == token.EXTERN:
			d.handleExtern()
		default:
			d.handleTopLevelExpression()
		}
	}
}

// reportParseFailure prints the parser's errors and skips one token for
// error recovery.
func (d *Driver) reportParseFailure() {
	for _, ce := range d.parser.TakeErrors() {
		fmt.Fprintf(os.Stderr, "Error: %s\n", ce.Error())
	}
	d.parser.NextToken()
}

func (d *Driver) reportLowerError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
}

func (d *Driver) handleDefinition() {
	fn := d.parser.ParseDefinition()
	if fn == nil {
		d.reportParseFailure()
		return
	}

	ir, err := d.compiler.CompileFunction(fn)
	if err != nil {
		d.reportLowerError(err)
		return
	}

	fmt.Fprintln(os.Stderr, "Parsed a function definition.")
	if d.printIR {
		ir.Dump()
		fmt.Fprintln(os.Stderr)
	}

	if d.jitMode {
		// Transfer the definition to the JIT in its own module so that
		// removing a later expression's module never frees its code.
		module := d.compiler.Module
		if err := d.jit.AddModule(module); err != nil {
			d.reportLowerError(err)
			return
		}
		d.freshModule()
	}
}

func (d *Driver) handleExtern() {
	proto := d.parser.ParseExtern()
	if proto == nil {
		d.reportParseFailure()
		return
	}

	ir := d.compiler.CompileExtern(proto)
	fmt.Fprintln(os.Stderr, "Parsed an extern")
	if d.printIR {
		ir.Dump()
		fmt.Fprintln(os.Stderr)
	}
}

func (d *Driver) handleTopLevelExpression() {
	// Evaluate a top-level expression into an anonymous function.
	fn := d.parser.ParseTopLevelExpr()
	if fn == nil {
		d.reportParseFailure()
		return
	}

	if !d.jitMode {
		// The long-lived module accumulates anonymous functions; keep
		// their names unique.
		fn.Proto.Name = fmt.Sprintf("%s.%d", ast.AnonExprName, d.anonCount)
		d.anonCount++
	}

	ir, err := d.compiler.CompileFunction(fn)
	if err != nil {
		d.reportLowerError(err)
		return
	}
	if d.printIR {
		ir.Dump()
		fmt.Fprintln(os.Stderr)
	}

	if !d.jitMode {
		return
	}

	// Hand the module holding the anonymous expression to the JIT,
	// keeping a reference so we can free it after evaluation.
	module := d.compiler.Module
	if err := d.jit.AddModule(module); err != nil {
		d.reportLowerError(err)
		return
	}
	d.freshModule()

	result, err := d.jit.Run(ast.AnonExprName, d.ctx.DoubleType())
	if err != nil {
		d.reportLowerError(err)
	} else {
		fmt.Fprintf(os.Stderr, "Evaluated to %f\n", result)
	}

	// Delete the anonymous expression's module from the JIT.
	d.jit.RemoveModule(module)
	module.Dispose()
}
