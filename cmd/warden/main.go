package main

import (
	"os"

	"github.com/project-umbra/warden/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
