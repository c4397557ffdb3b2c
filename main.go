package main

import (
	"fmt"
	"os"

	"rahoogan/secure-store/commands"
)

func main() {
	if err := commands.NewRootCommand(&commands.App{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
