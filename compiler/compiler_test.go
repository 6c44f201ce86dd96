package compiler

import (
	"strings"
	"testing"

	"github.com/adaminsky/Kale-lang/ast"
	"github.com/adaminsky/Kale-lang/lexer"
	"github.com/adaminsky/Kale-lang/parser"
	"github.com/adaminsky/Kale-lang/token"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/go-llvm"
)

// newTestCompiler builds an unoptimized compiler so tests can inspect
// the raw lowering (entry-block allocas survive, mem2reg has not run).
func newTestCompiler(t *testing.T, ctx llvm.Context, p *parser.Parser) *Compiler {
	t.Helper()
	c := NewCompiler(ctx, "test", p.Ops(), map[string]*ast.Prototype{})
	c.Passes = ""
	return c
}

func setup(t *testing.T, src string) (*parser.Parser, *Compiler) {
	t.Helper()
	p := parser.New(lexer.NewFromString(src))
	p.NextToken()

	ctx := llvm.NewContext()
	t.Cleanup(ctx.Dispose)
	return p, newTestCompiler(t, ctx, p)
}

// compileAll lowers every top-level form in driver order, returning the
// first lowering error.
func compileAll(t *testing.T, p *parser.Parser, c *Compiler) error {
	t.Helper()
	for {
		tok := p.CurToken()
		switch {
		case tok.Type == token.EOF:
			return nil
		case tok.IsChar(';'):
			p.NextToken()
		case tok.Type == token.DEF:
			fn := p.ParseDefinition()
			require.NotNil(t, fn, "parse errors: %v", p.TakeErrors())
			if _, err := c.CompileFunction(fn); err != nil {
				return err
			}
		case tok.Type == token.EXTERN:
			proto := p.ParseExtern()
			require.NotNil(t, proto, "parse errors: %v", p.TakeErrors())
			c.CompileExtern(proto)
		default:
			fn := p.ParseTopLevelExpr()
			require.NotNil(t, fn, "parse errors: %v", p.TakeErrors())
			if _, err := c.CompileFunction(fn); err != nil {
				return err
			}
		}
	}
}

func compileSource(t *testing.T, src string) string {
	t.Helper()
	p, c := setup(t, src)
	require.NoError(t, compileAll(t, p, c))
	return c.GenerateIR()
}

func TestFibCompile(t *testing.T) {
	ir := compileSource(t, "def fib(x) if x < 3 then 1 else fib(x-1) + fib(x-2);")

	require.Contains(t, ir, "define double @fib(double %x)")
	require.Contains(t, ir, "alloca double")
	require.Contains(t, ir, "fcmp ult double")
	require.Contains(t, ir, "uitofp i1")
	require.Contains(t, ir, "fcmp one double")
	require.Contains(t, ir, "phi double")
	require.Contains(t, ir, "call double @fib")
	require.Contains(t, ir, "ret double")
}

func TestBuiltinOperators(t *testing.T) {
	ir := compileSource(t, "def ops(a b) a + b - a * b;")

	require.Contains(t, ir, "fadd double")
	require.Contains(t, ir, "fsub double")
	require.Contains(t, ir, "fmul double")
}

func TestEntryBlockAllocas(t *testing.T) {
	// Parameters, var locals and the loop induction variable all get
	// slots at the top of the entry block, regardless of where the
	// binding appears.
	ir := compileSource(t, "def f(a b) var x = 1 in for i = 1, i < 10 in x = x + a * b;")

	fnIR := ir[strings.Index(ir, "define double @f"):]
	body := fnIR[:strings.Index(fnIR, "loop:")]
	require.Equal(t, 4, strings.Count(body, "alloca double"),
		"all slots should be allocated in the entry block:\n%s", fnIR)
	require.NotContains(t, fnIR[strings.Index(fnIR, "loop:"):], "alloca")
}

func TestAssignment(t *testing.T) {
	ir := compileSource(t, "def inc(x) x = x + 1;")

	require.Contains(t, ir, "fadd double")
	// Parameter spill plus the assignment itself.
	require.Equal(t, 2, strings.Count(ir, "store double"))
}

func TestAssignmentTargetMustBeVariable(t *testing.T) {
	p, c := setup(t, "def f(x) 1 = 2;")
	err := compileAll(t, p, c)
	require.EqualError(t, err, "destination of '=' must be a variable")
}

func TestForLoopIR(t *testing.T) {
	ir := compileSource(t, "def count(n) for i = 1, i < n in i;")

	require.Contains(t, ir, "br label %loop")
	require.Contains(t, ir, "fadd double")     // induction step
	require.Contains(t, ir, "fcmp one double") // end condition
	require.Contains(t, ir, "br i1")           // back edge
	require.Contains(t, ir, "afterloop:")
	// A for expression always yields 0.0.
	require.Contains(t, ir, "ret double 0.000000e+00")
}

func TestForDefaultStepIsOne(t *testing.T) {
	ir := compileSource(t, "def count(n) for i = 1, i < n in i;")
	// The loaded induction value may be renamed (%i1) since the slot
	// already took the name.
	require.Regexp(t, `fadd double %i\d*, 1\.000000e\+00`, ir)
}

func TestVarExpr(t *testing.T) {
	ir := compileSource(t, "def f(x) var a = 1, b in a + b + x;")

	// x, a and b each get a slot; b is zero-initialized.
	fnIR := ir[strings.Index(ir, "define double @f"):]
	require.Equal(t, 3, strings.Count(fnIR, "alloca double"))
	require.Contains(t, fnIR, "store double 0.000000e+00")
}

func TestVarShadowingRestored(t *testing.T) {
	// The inner x shadows the parameter inside the body only; the
	// final x resolves to the parameter again.
	ir := compileSource(t, "def f(x) (var x = 2 in x) + x;")
	require.Contains(t, ir, "define double @f(double %x)")

	// Shadowing the parameter for the whole body is also fine.
	p, c := setup(t, "def f(x) var x = 2 in x;")
	require.NoError(t, compileAll(t, p, c))
}

func TestScopeRestoredAfterLowering(t *testing.T) {
	// var bindings do not leak into later definitions.
	p, c := setup(t, "def f(x) var a = 1 in a; def g(y) a;")
	err := compileAll(t, p, c)
	require.EqualError(t, err, "Unknown variable name")
}

func TestUnknownVariable(t *testing.T) {
	p, c := setup(t, "a + b;")
	err := compileAll(t, p, c)
	require.EqualError(t, err, "Unknown variable name")

	// The broken anonymous function was erased from the module.
	require.True(t, c.Module.NamedFunction(ast.AnonExprName).IsNil())
}

func TestUnknownFunction(t *testing.T) {
	p, c := setup(t, "def f(x) foo(x);")
	err := compileAll(t, p, c)
	require.EqualError(t, err, "Unknown function referenced")
}

func TestCallArity(t *testing.T) {
	p, c := setup(t, "extern sin(x); def f(y) sin(y, y);")
	err := compileAll(t, p, c)
	require.EqualError(t, err, "Incorrect # arguments passed")
}

func TestUnknownUnaryOperator(t *testing.T) {
	p, c := setup(t, "def f(x) !x;")
	err := compileAll(t, p, c)
	require.EqualError(t, err, "Unknown unary operator")
}

func TestUserUnaryOperator(t *testing.T) {
	ir := compileSource(t, "def unary-(v) 0 - v; def f(x) -x;")

	require.Contains(t, ir, `define double @"unary-"(double %v)`)
	require.Contains(t, ir, `call double @"unary-"`)
}

func TestUserBinaryOperator(t *testing.T) {
	p, c := setup(t, "def binary : 1 (x y) y; def f(a b) a : b;")
	require.NoError(t, compileAll(t, p, c))

	ir := c.GenerateIR()
	require.Contains(t, ir, `define double @"binary:"(double %x, double %y)`)
	require.Contains(t, ir, `call double @"binary:"`)
	require.Equal(t, 1, p.Ops().Precedence(':'))
}

func TestOperatorInstallDefaultPrecedence(t *testing.T) {
	p, c := setup(t, "def binary& (x y) x;")
	require.NoError(t, compileAll(t, p, c))
	require.Equal(t, 30, p.Ops().Precedence('&'))
}

func TestOperatorRetractedOnFailure(t *testing.T) {
	p, c := setup(t, "def binary@ 42 (x y) x + z;")
	err := compileAll(t, p, c)
	require.EqualError(t, err, "Unknown variable name")

	// The speculative precedence entry is retracted and the half-built
	// function erased.
	require.Equal(t, -1, p.Ops().Precedence('@'))
	require.True(t, c.Module.NamedFunction("binary@").IsNil())
}

func TestFunctionErasedOnFailure(t *testing.T) {
	p, c := setup(t, "def broken(x) y;")
	err := compileAll(t, p, c)
	require.EqualError(t, err, "Unknown variable name")
	require.True(t, c.Module.NamedFunction("broken").IsNil())
}

func TestRedefinitionRejected(t *testing.T) {
	p, c := setup(t, "def f(x) x; def f(x) x + 1;")
	err := compileAll(t, p, c)
	require.EqualError(t, err, "Function cannot be redefined.")

	// The original definition survives.
	require.False(t, c.Module.NamedFunction("f").IsNil())
}

func TestRedefinitionWithDifferentArity(t *testing.T) {
	p, c := setup(t, "extern sin(x); def sin(a b) a;")
	err := compileAll(t, p, c)
	require.EqualError(t, err, "redefinition of function with different # args")
}

func TestExternDeclaration(t *testing.T) {
	ir := compileSource(t, "extern sin(x); def f(y) sin(y);")

	require.Contains(t, ir, "declare double @sin(double")
	require.Contains(t, ir, "call double @sin")
}

func TestPrototypeRegistryAcrossModules(t *testing.T) {
	// Functions lowered into an earlier module are re-declared in later
	// ones from the shared registry, mirroring the JIT's module swaps.
	p := parser.New(lexer.NewFromString("def fib(x) if x < 3 then 1 else fib(x-1) + fib(x-2);"))
	p.NextToken()

	ctx := llvm.NewContext()
	t.Cleanup(ctx.Dispose)
	protos := map[string]*ast.Prototype{}

	first := NewCompiler(ctx, "mod0", p.Ops(), protos)
	first.Passes = ""
	require.NoError(t, compileAll(t, p, first))
	require.Contains(t, first.GenerateIR(), "define double @fib")

	p2 := parser.New(lexer.NewFromString("fib(10);"))
	p2.NextToken()
	second := NewCompiler(ctx, "mod1", p2.Ops(), protos)
	second.Passes = ""
	require.NoError(t, compileAll(t, p2, second))

	ir := second.GenerateIR()
	require.Contains(t, ir, "declare double @fib(double")
	require.Contains(t, ir, "call double @fib")
	require.Contains(t, ir, "define double @__anon_expr()")
}

func TestSequenceOperatorScenario(t *testing.T) {
	// ':' becomes a low-precedence sequencing operator; the second
	// definition parses only because the first lowering installed it.
	p, c := setup(t, `
def binary : 1 (x y) y;
def fib(x) if x < 3 then 1 else fib(x-1) + fib(x-2);
def run(n) fib(n) : 0;
`)
	require.NoError(t, compileAll(t, p, c))

	ir := c.GenerateIR()
	require.Contains(t, ir, `call double @"binary:"`)
	require.Contains(t, ir, "call double @fib")
}

func TestOptimizedFibPromotesSlots(t *testing.T) {
	// With the default pipeline mem2reg promotes every entry-block
	// slot, so no allocas remain.
	p := parser.New(lexer.NewFromString("def fib(x) if x < 3 then 1 else fib(x-1) + fib(x-2);"))
	p.NextToken()

	ctx := llvm.NewContext()
	t.Cleanup(ctx.Dispose)
	c := NewCompiler(ctx, "opt", p.Ops(), map[string]*ast.Prototype{})
	require.NoError(t, compileAll(t, p, c))

	ir := c.GenerateIR()
	require.Contains(t, ir, "define double @fib")
	require.NotContains(t, ir, "alloca")
}
