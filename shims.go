package main

/*
#cgo linux        CPPFLAGS: -I/usr/lib/llvm-14/include -D_GNU_SOURCE -D__STDC_CONSTANT_MACROS -D__STDC_FORMAT_MACROS -D__STDC_LIMIT_MACROS
#cgo linux        LDFLAGS: -L/usr/lib/llvm-14/lib -lLLVM-14
#include <stdio.h>
#include <llvm-c/Support.h>

// putchard - putchar that takes a double and returns 0.
static double kale_putchard(double x) {
	fputc((char)x, stderr);
	return 0;
}

// printd - printf that takes a double, prints it as "%f\n", returning 0.
static double kale_printd(double x) {
	fprintf(stderr, "%f\n", x);
	return 0;
}

static void *kale_putchard_addr(void) { return (void *)&kale_putchard; }
static void *kale_printd_addr(void) { return (void *)&kale_printd; }
*/
import "C"

// registerShims publishes the host runtime shims to the JIT's symbol
// table so user code can reach them through extern declarations:
//
//	extern putchard(c)
//	extern printd(x)
func registerShims() {
	C.LLVMAddSymbol(C.CString("putchard"), C.kale_putchard_addr())
	C.LLVMAddSymbol(C.CString("printd"), C.kale_printd_addr())
}
