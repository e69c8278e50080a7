package main

import (
	"os"

	"keyq/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
