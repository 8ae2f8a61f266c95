package main

import (
	"os"

	"github.com/tastescout/tastescout/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
