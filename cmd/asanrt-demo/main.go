// Command asanrt-demo wires up a Runtime against a fixed set of writable
// module regions and drives the end-to-end scenarios spec.md §8 names,
// printing the resulting error stream. It stands in for the fuzzer harness
// spec.md §1 treats as out of scope: the harness's pre_exec/post_exec
// hand-off is real here, but there is no real stalker rewriting code
// underneath it, so the "faults" below are injected directly through
// Runtime.Hooks and Runtime.Fault rather than through actually executing
// instrumented machine code.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/gofrida/asanrt/internal/abi"
	"github.com/gofrida/asanrt/pkg/asanrt"
)

// demoModules reports the regions Init should unpoison, standing in for
// the external ModuleMap enumerator (spec.md §1).
type demoModules struct{}

func (demoModules) Modules() []asanrt.ModuleRegion { return nil }

func main() {
	opts := asanrt.DefaultOptions()
	opts.ContinueOnError = true
	opts.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	rt := asanrt.New(abi.ArchAMD64, opts)
	if err := rt.Init(30, demoModules{}); err != nil {
		fmt.Fprintf(os.Stderr, "asanrt-demo: init failed: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	input := []byte("asanrt-demo input")
	rt.PreExec(input)

	// spec.md §8 scenario 1: malloc(173); read past the end; free.
	ptr := rt.Hooks.Malloc(173)
	rt.Fault.Handle(make([]uint64, 16), 0, ptr+173, false)
	rt.Hooks.Free(ptr)

	// spec.md §8 scenario 2: free; free again.
	p2 := rt.Hooks.Malloc(16)
	rt.Hooks.Free(p2)
	rt.Hooks.Free(p2)

	// spec.md §8 scenario 4: free; write through the freed pointer.
	p3 := rt.Hooks.Malloc(16)
	rt.Hooks.Free(p3)
	rt.Fault.Handle(make([]uint64, 16), 0, p3, true)

	leaks := rt.PostExec(input)

	for _, e := range rt.Errors() {
		fmt.Printf("%s\n", e.Error())
	}
	fmt.Printf("%d leak(s) detected at post_exec\n", len(leaks))
}
