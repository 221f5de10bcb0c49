package main

import (
	"github.com/anstrom/portwatch/cmd/cli"
)

// Build information, set via -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
