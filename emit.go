package main

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"tinygo.org/x/go-llvm"
)

// emitObject writes the module as a native object file at path. An
// advisory lock next to the output serializes concurrent kale -c runs
// targeting the same file.
func emitObject(module llvm.Module, machine llvm.TargetMachine, path string) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire output lock: %w", err)
	}
	defer lock.Unlock()

	buf, err := machine.EmitToMemoryBuffer(module, llvm.ObjectFile)
	if err != nil {
		return fmt.Errorf("emit object: %w", err)
	}
	defer buf.Dispose()

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
