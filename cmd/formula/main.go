package main

import (
	"fmt"
	"os"

	"github.com/formula-pm/formula-pm/cmd/formula/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
