// The main package for the refscout executable.
package main

import (
	"github.com/refscout/refscout/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
