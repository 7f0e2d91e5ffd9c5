package main

import (
	"os"

	"github.com/gavelworks/gavel/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
