// The main package for the searchrund executable.
package main

import (
	"github.com/searchingfox/searchrun/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
