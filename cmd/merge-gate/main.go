package main

import (
	"os"

	"github.com/Fuabioo/merge-gate/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
