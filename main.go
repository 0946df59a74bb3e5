package main

import (
	"os"

	"github.com/donorlink/donorlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
