package main

import (
	"os"

	"github.com/citinet/hubtunnel/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
