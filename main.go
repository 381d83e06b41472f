// Command capvault is the CLI surface over the capture-first storage
// core: capture, process, export, sweep, migrate, rebuild, verify.
package main

import (
	"fmt"
	"os"

	"github.com/capfirst/capvault/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
