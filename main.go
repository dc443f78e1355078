package main

import (
	"github.com/pipesh/pipesh/cmd"
)

// Version is set at build time via -ldflags.
var Version string

func main() {
	appVersion := "local"
	if Version != "" {
		appVersion = Version
	}

	cmd.Execute(cmd.ExecuteParams{
		Version: appVersion,
	})
}
