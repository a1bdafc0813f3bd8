package main

import (
	"os"

	"github.com/catalogkit/assetview/cmd"
	"github.com/catalogkit/assetview/internal/buildinfo"
)

func main() {
	if err := cmd.RootCommand(buildinfo.Current()).Execute(); err != nil {
		os.Exit(1)
	}
}
