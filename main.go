package main

import (
	"os"

	"github.com/jamesruggles/aegis/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
