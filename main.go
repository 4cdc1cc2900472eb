// The main package for the grimoire executable.
package main

import (
	"github.com/lucasveiga/grimoire/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
