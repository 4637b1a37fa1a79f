package main

import (
	"fmt"
	"os"

	"github.com/d60-Lab/linkpilot/internal/command"
)

func main() {
	if err := command.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
