// The main package for the coordinator executable.
package main

import (
	"github.com/JakeFAU/retail-crawl-coordinator/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
