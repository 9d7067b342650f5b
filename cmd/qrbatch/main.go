package main

import (
	"os"

	"github.com/psantana5/qrbatch/cmd/qrbatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
