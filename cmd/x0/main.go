package main

import (
	"os"

	"github.com/x0sim/x0/app"
)

func main() {
	os.Exit(app.Run(os.Args, os.Stdout, os.Stderr))
}
