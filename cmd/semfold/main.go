// Package main provides the entry point for the semfold CLI.
package main

import (
	"os"

	"github.com/semfold/semfold/cmd/semfold/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
