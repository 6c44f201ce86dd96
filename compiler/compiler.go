package compiler

import (
	"fmt"

	"github.com/adaminsky/Kale-lang/ast"
	"github.com/adaminsky/Kale-lang/parser"
	"github.com/adaminsky/Kale-lang/token"
	"tinygo.org/x/go-llvm"
)

// DefaultPasses is the per-function optimization pipeline. mem2reg goes
// first: every local lives in an entry-block stack slot until promotion.
const DefaultPasses = "function(mem2reg,instcombine,reassociate,gvn,simplifycfg)"

// Compiler lowers the AST into an LLVM module. The prototype registry
// and the operator table outlive any single module: each fresh module
// re-synthesizes declarations for functions lowered into earlier ones.
type Compiler struct {
	Context llvm.Context
	Module  llvm.Module
	builder llvm.Builder
	machine llvm.TargetMachine

	// Passes is the pipeline run over the module after each function
	// verifies. Empty disables optimization.
	Passes string

	Scopes []Scope[llvm.Value]       // name → entry-block stack slot
	Protos map[string]*ast.Prototype // process-wide prototype registry
	ops    *parser.OpTable
}

func NewCompiler(ctx llvm.Context, moduleName string, ops *parser.OpTable, protos map[string]*ast.Prototype) *Compiler {
	module := ctx.NewModule(moduleName)
	builder := ctx.NewBuilder()

	return &Compiler{
		Context: ctx,
		Module:  module,
		builder: builder,
		Passes:  DefaultPasses,
		Scopes:  []Scope[llvm.Value]{NewScope[llvm.Value](FuncScope)},
		Protos:  protos,
		ops:     ops,
	}
}

// SetTargetMachine stamps the module with the machine's triple and data
// layout, and makes the machine available to the pass pipeline.
func (c *Compiler) SetTargetMachine(machine llvm.TargetMachine, triple string) {
	c.machine = machine
	c.Module.SetTarget(triple)

	layout := machine.CreateTargetData()
	defer layout.Dispose()
	c.Module.SetDataLayout(layout.String())
}

// GenerateIR returns the module's textual IR.
func (c *Compiler) GenerateIR() string {
	return c.Module.String()
}

// Dispose releases the builder. The module's ownership stays with the
// caller: the driver either hands it to the JIT or disposes it, and
// the context outlives every module built in it.
func (c *Compiler) Dispose() {
	c.builder.Dispose()
}

func (c *Compiler) errorf(tok token.Token, format string, args ...any) error {
	return &token.CompileError{
		Token: tok,
		Msg:   fmt.Sprintf(format, args...),
	}
}

func (c *Compiler) doubleType() llvm.Type {
	return c.Context.DoubleType()
}

// funcType returns the double(double, ...) signature with nparams
// parameters. Every function in the language has this shape.
func (c *Compiler) funcType(nparams int) llvm.Type {
	params := make([]llvm.Type, nparams)
	for i := range params {
		params[i] = c.doubleType()
	}
	return llvm.FunctionType(c.doubleType(), params, false)
}

// createEntryBlockAlloca allocates a stack slot at the top of the
// current function's entry block, regardless of where the binding
// appears in the source, so mem2reg can promote it.
func (c *Compiler) createEntryBlockAlloca(name string) llvm.Value {
	current := c.builder.GetInsertBlock()
	entry := current.Parent().EntryBasicBlock()
	first := entry.FirstInstruction()

	if first.IsNil() {
		c.builder.SetInsertPointAtEnd(entry)
	} else {
		c.builder.SetInsertPointBefore(first)
	}

	alloca := c.builder.CreateAlloca(c.doubleType(), name)
	c.builder.SetInsertPointAtEnd(current)
	return alloca
}

// getFunction resolves a callee: first the current module, then the
// prototype registry, from which a declaration is materialized into the
// current module. The nil value means the name is unknown.
func (c *Compiler) getFunction(name string) llvm.Value {
	if fn := c.Module.NamedFunction(name); !fn.IsNil() {
		return fn
	}

	if proto, ok := c.Protos[name]; ok {
		return c.compilePrototype(proto)
	}

	return llvm.Value{}
}

// compilePrototype emits a function declaration for proto into the
// current module.
func (c *Compiler) compilePrototype(proto *ast.Prototype) llvm.Value {
	fn := llvm.AddFunction(c.Module, proto.Name, c.funcType(len(proto.Params)))
	fn.SetLinkage(llvm.ExternalLinkage)

	for i, param := range fn.Params() {
		param.SetName(proto.Params[i])
	}
	return fn
}

// CompileExtern records the prototype in the registry and materializes
// its declaration.
func (c *Compiler) CompileExtern(proto *ast.Prototype) llvm.Value {
	c.Protos[proto.Name] = proto
	return c.getFunction(proto.Name)
}

// CompileFunction lowers a definition: prototype into the registry,
// operator precedence installed before the body (the body may use the
// operator), parameters stored to entry-block slots, body lowered, and
// the function verified and optimized. On failure the half-built
// function is erased and any speculative precedence entry retracted.
func (c *Compiler) CompileFunction(fn *ast.Function) (llvm.Value, error) {
	proto := fn.Proto
	c.Protos[proto.Name] = proto
	function := c.getFunction(proto.Name)

	// The name may already be bound in this module by an extern or an
	// earlier definition.
	if function.BasicBlocksCount() != 0 {
		return llvm.Value{}, c.errorf(proto.Token, "Function cannot be redefined.")
	}
	if function.ParamsCount() != len(proto.Params) {
		return llvm.Value{}, c.errorf(proto.Token, "redefinition of function with different # args")
	}

	// If this is an operator, install it.
	if proto.IsBinaryOp() {
		c.ops.Install(proto.OperatorName(), proto.Precedence)
	}

	entry := c.Context.AddBasicBlock(function, "entry")
	c.builder.SetInsertPointAtEnd(entry)

	// Record the arguments in fresh function scope.
	c.Scopes = []Scope[llvm.Value]{NewScope[llvm.Value](FuncScope)}
	for i, name := range proto.Params {
		alloca := c.createEntryBlockAlloca(name)
		c.builder.CreateStore(function.Param(i), alloca)
		Put(c.Scopes, name, alloca)
	}

	bodyVal, err := c.compileExpr(fn.Body)
	if err == nil {
		c.builder.CreateRet(bodyVal)
		err = c.verify(function)
	}
	if err != nil {
		// Error reading body, remove function.
		function.EraseFromParentAsFunction()
		if proto.IsBinaryOp() {
			c.ops.Remove(proto.OperatorName())
		}
		return llvm.Value{}, err
	}

	c.optimize()
	return function, nil
}

func (c *Compiler) verify(function llvm.Value) error {
	if err := llvm.VerifyFunction(function, llvm.ReturnStatusAction); err != nil {
		return c.errorf(token.Token{}, "function verification failed: %v", err)
	}
	return nil
}

func (c *Compiler) optimize() {
	if c.Passes == "" {
		return
	}
	options := llvm.NewPassBuilderOptions()
	defer options.Dispose()
	if err := c.Module.RunPasses(c.Passes, c.machine, options); err != nil {
		panic("pass pipeline failed: " + err.Error())
	}
}

// compileExpr lowers one expression to exactly one SSA double value.
func (c *Compiler) compileExpr(expr ast.Expression) (llvm.Value, error) {
	switch e := expr.(type) {
	case *ast.NumberLiteral:
		return llvm.ConstFloat(c.doubleType(), e.Value), nil
	case *ast.Identifier:
		return c.compileIdentifier(e)
	case *ast.InfixExpression:
		return c.compileInfix(e)
	case *ast.PrefixExpression:
		return c.compilePrefix(e)
	case *ast.CallExpression:
		return c.compileCall(e)
	case *ast.IfExpression:
		return c.compileIf(e)
	case *ast.ForExpression:
		return c.compileFor(e)
	case *ast.VarExpression:
		return c.compileVar(e)
	default:
		panic(fmt.Sprintf("unknown expression %T", expr))
	}
}

func (c *Compiler) compileIdentifier(e *ast.Identifier) (llvm.Value, error) {
	slot, ok := Get(c.Scopes, e.Value)
	if !ok {
		return llvm.Value{}, c.errorf(e.Token, "Unknown variable name")
	}
	return c.builder.CreateLoad(c.doubleType(), slot, e.Value), nil
}

func (c *Compiler) compileInfix(e *ast.InfixExpression) (llvm.Value, error) {
	// Special case '=' because we don't want to emit the LHS as an
	// expression.
	if e.Operator == '=' {
		return c.compileAssign(e)
	}

	left, err := c.compileExpr(e.Left)
	if err != nil {
		return llvm.Value{}, err
	}
	right, err := c.compileExpr(e.Right)
	if err != nil {
		return llvm.Value{}, err
	}

	if op, ok := builtinOps[e.Operator]; ok {
		return op(c, left, right), nil
	}

	// User-defined operator: the parser only accepts operators whose
	// definition installed a precedence, so the function must exist.
	fn := c.getFunction("binary" + string(e.Operator))
	if fn.IsNil() {
		panic("binary operator not found: " + string(e.Operator))
	}
	return c.builder.CreateCall(c.funcType(2), fn, []llvm.Value{left, right}, "binop"), nil
}

func (c *Compiler) compileAssign(e *ast.InfixExpression) (llvm.Value, error) {
	lhs, ok := e.Left.(*ast.Identifier)
	if !ok {
		return llvm.Value{}, c.errorf(e.Token, "destination of '=' must be a variable")
	}

	val, err := c.compileExpr(e.Right)
	if err != nil {
		return llvm.Value{}, err
	}

	slot, ok := Get(c.Scopes, lhs.Value)
	if !ok {
		return llvm.Value{}, c.errorf(lhs.Token, "Unknown variable name")
	}
	c.builder.CreateStore(val, slot)
	return val, nil
}

func (c *Compiler) compilePrefix(e *ast.PrefixExpression) (llvm.Value, error) {
	operand, err := c.compileExpr(e.Right)
	if err != nil {
		return llvm.Value{}, err
	}

	fn := c.getFunction("unary" + string(e.Operator))
	if fn.IsNil() {
		return llvm.Value{}, c.errorf(e.Token, "Unknown unary operator")
	}
	return c.builder.CreateCall(c.funcType(1), fn, []llvm.Value{operand}, "unop"), nil
}

func (c *Compiler) compileCall(e *ast.CallExpression) (llvm.Value, error) {
	callee := c.getFunction(e.Callee)
	if callee.IsNil() {
		return llvm.Value{}, c.errorf(e.Token, "Unknown function referenced")
	}

	if callee.ParamsCount() != len(e.Arguments) {
		return llvm.Value{}, c.errorf(e.Token, "Incorrect # arguments passed")
	}

	args := make([]llvm.Value, 0, len(e.Arguments))
	for _, arg := range e.Arguments {
		v, err := c.compileExpr(arg)
		if err != nil {
			return llvm.Value{}, err
		}
		args = append(args, v)
	}

	return c.builder.CreateCall(c.funcType(len(args)), callee, args, "calltmp"), nil
}

// compileIf lowers to a then/else/ifcont CFG whose merge block joins
// the arm values with a two-input phi.
func (c *Compiler) compileIf(e *ast.IfExpression) (llvm.Value, error) {
	condVal, err := c.compileExpr(e.Cond)
	if err != nil {
		return llvm.Value{}, err
	}

	// Convert condition to a bool by comparing non-equal to 0.0.
	zero := llvm.ConstFloat(c.doubleType(), 0)
	cond := c.builder.CreateFCmp(llvm.FloatONE, condVal, zero, "ifcond")

	fn := c.builder.GetInsertBlock().Parent()
	thenBlock := c.Context.AddBasicBlock(fn, "then")
	elseBlock := c.Context.AddBasicBlock(fn, "else")
	mergeBlock := c.Context.AddBasicBlock(fn, "ifcont")
	c.builder.CreateCondBr(cond, thenBlock, elseBlock)

	// Emit then value.
	c.builder.SetInsertPointAtEnd(thenBlock)
	thenVal, err := c.compileExpr(e.Then)
	if err != nil {
		return llvm.Value{}, err
	}
	c.builder.CreateBr(mergeBlock)
	// Lowering 'then' can change the current block; track the terminal
	// block for the phi.
	thenExit := c.builder.GetInsertBlock()

	// Emit else value.
	c.builder.SetInsertPointAtEnd(elseBlock)
	elseVal, err := c.compileExpr(e.Else)
	if err != nil {
		return llvm.Value{}, err
	}
	c.builder.CreateBr(mergeBlock)
	elseExit := c.builder.GetInsertBlock()

	c.builder.SetInsertPointAtEnd(mergeBlock)
	phi := c.builder.CreatePHI(c.doubleType(), "iftmp")
	phi.AddIncoming([]llvm.Value{thenVal, elseVal}, []llvm.BasicBlock{thenExit, elseExit})
	return phi, nil
}

// compileFor lowers a counted loop:
//
//	entry:  slot = alloca; store start; br loop
//	loop:   body; next = load slot + step; store next
//	        br (end != 0.0), loop, afterloop
//
// The induction variable is scoped to the loop and the expression
// yields 0.0.
func (c *Compiler) compileFor(e *ast.ForExpression) (llvm.Value, error) {
	// Emit start first, without the induction variable in scope.
	startVal, err := c.compileExpr(e.Start)
	if err != nil {
		return llvm.Value{}, err
	}

	slot := c.createEntryBlockAlloca(e.VarName)
	c.builder.CreateStore(startVal, slot)

	fn := c.builder.GetInsertBlock().Parent()
	loopBlock := c.Context.AddBasicBlock(fn, "loop")
	c.builder.CreateBr(loopBlock)
	c.builder.SetInsertPointAtEnd(loopBlock)

	// The induction variable may shadow an outer binding; the pushed
	// scope restores it on every exit path.
	PushScope(&c.Scopes, BlockScope)
	defer PopScope(&c.Scopes)
	Put(c.Scopes, e.VarName, slot)

	// The body value is discarded, but an error still aborts the loop.
	if _, err := c.compileExpr(e.Body); err != nil {
		return llvm.Value{}, err
	}

	stepVal := llvm.ConstFloat(c.doubleType(), 1)
	if e.Step != nil {
		stepVal, err = c.compileExpr(e.Step)
		if err != nil {
			return llvm.Value{}, err
		}
	}

	endVal, err := c.compileExpr(e.End)
	if err != nil {
		return llvm.Value{}, err
	}

	curVar := c.builder.CreateLoad(c.doubleType(), slot, e.VarName)
	nextVar := c.builder.CreateFAdd(curVar, stepVal, "nextvar")
	c.builder.CreateStore(nextVar, slot)

	// Convert the end condition to a bool by comparing non-equal to 0.0.
	zero := llvm.ConstFloat(c.doubleType(), 0)
	endCond := c.builder.CreateFCmp(llvm.FloatONE, endVal, zero, "loopcond")

	afterBlock := c.Context.AddBasicBlock(fn, "afterloop")
	c.builder.CreateCondBr(endCond, loopBlock, afterBlock)
	c.builder.SetInsertPointAtEnd(afterBlock)

	// for expr always returns 0.0.
	return llvm.ConstFloat(c.doubleType(), 0), nil
}

// compileVar installs each binding in source order, evaluating the
// initializer before the name becomes visible, then lowers the body.
// Popping the scope restores shadowed bindings on both the normal and
// the error path.
func (c *Compiler) compileVar(e *ast.VarExpression) (llvm.Value, error) {
	PushScope(&c.Scopes, BlockScope)
	defer PopScope(&c.Scopes)

	for _, binding := range e.Bindings {
		initVal := llvm.ConstFloat(c.doubleType(), 0)
		if binding.Init != nil {
			var err error
			initVal, err = c.compileExpr(binding.Init)
			if err != nil {
				return llvm.Value{}, err
			}
		}

		slot := c.createEntryBlockAlloca(binding.Name)
		c.builder.CreateStore(initVal, slot)
		Put(c.Scopes, binding.Name, slot)
	}

	return c.compileExpr(e.Body)
}
