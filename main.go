// Package main lets `go run .` work from the repository root. It runs the
// same command as ./cmd/chiconform.
package main

import (
	"os"

	"github.com/sarchlab/chiconform/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:], os.Stdout, os.Stderr))
}
