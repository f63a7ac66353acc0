package main

import (
	"os"

	"lanchat/cmd/lanchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
