package main

import (
	"fmt"

	"tinygo.org/x/go-llvm"
)

// JIT wraps an MCJIT execution engine. The engine is created lazily
// around the first module handed over; later modules are added to the
// same engine. A module given to AddModule is owned by the JIT until
// RemoveModule hands it back.
type JIT struct {
	ee      llvm.ExecutionEngine
	started bool
}

func (j *JIT) AddModule(module llvm.Module) error {
	if j.started {
		j.ee.AddModule(module)
		return nil
	}

	options := llvm.NewMCJITCompilerOptions()
	options.SetMCJITOptimizationLevel(2)
	ee, err := llvm.NewMCJITCompiler(module, options)
	if err != nil {
		return fmt.Errorf("create JIT: %w", err)
	}
	j.ee = ee
	j.started = true
	return nil
}

// RemoveModule releases the module's code and returns ownership of the
// module to the caller.
func (j *JIT) RemoveModule(module llvm.Module) {
	j.ee.RemoveModule(module)
}

// Run looks up name and calls it as a native () -> f64 function.
func (j *JIT) Run(name string, double llvm.Type) (float64, error) {
	fn := j.ee.FindFunction(name)
	if fn.IsNil() {
		return 0, fmt.Errorf("symbol %q not found in JIT", name)
	}

	ret := j.ee.RunFunction(fn, []llvm.GenericValue{})
	defer ret.Dispose()
	return ret.Float(double), nil
}

func (j *JIT) Dispose() {
	if j.started {
		j.ee.Dispose()
	}
}
