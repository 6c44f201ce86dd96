package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/adaminsky/Kale-lang/lexer"
	"github.com/adaminsky/Kale-lang/parser"
	"tinygo.org/x/go-llvm"
)

func main() {
	aot := flag.Bool("c", false, "compile standard input to an object file instead of evaluating it")
	output := flag.String("o", "output.o", "object file path for -c")
	printIR := flag.Bool("print-ir", false, "print the IR of each lowered form to standard error")
	showVersion := flag.Bool("version", false, "print version information")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if err := llvm.InitializeNativeTarget(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing native target: %v\n", err)
		os.Exit(1)
	}
	if err := llvm.InitializeNativeAsmPrinter(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing native asm printer: %v\n", err)
		os.Exit(1)
	}
	llvm.LinkInMCJIT()

	ctx := llvm.NewContext()
	defer ctx.Dispose()

	triple := llvm.DefaultTargetTriple()
	target, err := llvm.GetTargetFromTriple(triple)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving target %q: %v\n", triple, err)
		os.Exit(1)
	}
	machine := target.CreateTargetMachine(triple, "generic", "",
		llvm.CodeGenLevelDefault, llvm.RelocDefault, llvm.CodeModelDefault)
	defer machine.Dispose()

	registerShims()

	p := parser.New(lexer.New(os.Stdin))
	driver := NewDriver(ctx, machine, triple, p, !*aot, *printIR)
	if driver.jit != nil {
		defer driver.jit.Dispose()
	}

	// Run the main "interpreter loop" now.
	driver.Run()

	if *aot {
		if err := emitObject(driver.compiler.Module, machine, *output); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", *output)
	}
}
