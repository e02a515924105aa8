package main

import (
	"os"

	"github.com/leftmike/tellstore/cmd"
)

func main() {
	if cmd.Execute() != nil {
		os.Exit(1)
	}
}
