// Package trace provides the allocator's conditional indented tracing:
// cheap to leave compiled in, silent unless explicitly enabled.
package trace

import "fmt"

// Enabled toggles tracing output. It is false by default; the embedding
// recompiler flips it on for debug builds.
var Enabled = false

// Depth is the current indentation level. Callers bump it on entry to a
// nested operation (realize, fork, barrier) and drop it on exit.
var Depth = 0

// Printf writes an indented trace line when Enabled is true. It is a
// no-op otherwise, so call sites can be left in release builds.
func Printf(format string, args ...interface{}) {
	if !Enabled {
		return
	}
	for i := 0; i < Depth; i++ {
		fmt.Print("    ")
	}
	fmt.Printf(format+"\n", args...)
}

// Scope bumps Depth for the duration of the returned func, for use as
// `defer trace.Scope("realize preg %d", p)()`.
func Scope(format string, args ...interface{}) func() {
	Printf(format, args...)
	Depth++
	return func() {
		Depth--
	}
}
