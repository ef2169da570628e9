// Package main is the entry point for the codeindex CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/codeindex/cmd/codeindex/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
