// Command enginectl is a command-line client for a running control
// plane server, in the spirit of `docker`/`kubectl` for image engines.
package main

import (
	"os"

	"github.com/fairyhunter13/dmctl/cmd/enginectl/app"
)

func main() {
	cmd := app.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
