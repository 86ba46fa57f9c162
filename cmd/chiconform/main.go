// Package main provides the chiconform command.
package main

import (
	"os"

	"github.com/sarchlab/chiconform/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:], os.Stdout, os.Stderr))
}
