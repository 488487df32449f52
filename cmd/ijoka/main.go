// Ijoka tracks the shared work state of AI coding agents across projects.
package main

import (
	"fmt"
	"os"

	"github.com/ijoka-dev/ijoka/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
