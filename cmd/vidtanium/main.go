// Package main is the entry point for the vidtanium CLI.
package main

import (
	"os"

	"github.com/astroair/vidtanium/cmd/vidtanium/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
