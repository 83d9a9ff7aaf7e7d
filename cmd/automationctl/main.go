package main

import (
	"fmt"
	"os"

	"whatsapp-automation/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(&cli.Options{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
