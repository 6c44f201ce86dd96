package compiler

import "tinygo.org/x/go-llvm"

// opFunc lowers one builtin binary operator application.
type opFunc func(c *Compiler, left, right llvm.Value) llvm.Value

// builtinOps maps the builtin operator bytes to their lowering. Every
// operand and result is a double; '<' yields its i1 comparison widened
// back to 0.0 or 1.0. Operators absent here lower as calls to the
// user-defined "binary<op>" function.
var builtinOps = map[byte]opFunc{
	'+': func(c *Compiler, left, right llvm.Value) llvm.Value {
		return c.builder.CreateFAdd(left, right, "addtmp")
	},
	'-': func(c *Compiler, left, right llvm.Value) llvm.Value {
		return c.builder.CreateFSub(left, right, "subtmp")
	},
	'*': func(c *Compiler, left, right llvm.Value) llvm.Value {
		return c.builder.CreateFMul(left, right, "multmp")
	},
	'<': func(c *Compiler, left, right llvm.Value) llvm.Value {
		cmp := c.builder.CreateFCmp(llvm.FloatULT, left, right, "cmptmp")
		return c.builder.CreateUIToFP(cmp, c.Context.DoubleType(), "booltmp")
	},
}
