// Dotmatrix is a local first CI matrix runner.
//
// Dotmatrix expands a pipeline of interpreters and environment overlays into a
// job matrix and runs the jobs concurrently, on the host or in Docker.
package main

import (
	"github.com/opnlabs/dotmatrix/cmd/dotmatrix"
)

func main() {
	dotmatrix.Execute()
}
