// ABOUTME: Root package providing version information and package documentation
// ABOUTME: The runtime facade itself lives in runtime.go

// Package flux is the language runtime for Flux programs: a mark-and-sweep
// garbage collector over a managed heap, an M:N cooperative scheduler for
// lightweight goroutines, and typed channels integrating with the
// scheduler's wait and wake primitives. The compiler's code generator and
// the foreign-function layer call into it through the Runtime type.
package flux

// Version is the semantic version of the flux runtime.
const Version = "0.1.0-dev"
