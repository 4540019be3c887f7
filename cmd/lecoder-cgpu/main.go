package main

import (
	"os"

	"github.com/landonking-gif/lecoder-cgpu/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
