package main

import (
	"github.com/Paintersrp/procreap/internal/cli"
	"github.com/Paintersrp/procreap/internal/launcher"
	"github.com/Paintersrp/procreap/internal/metrics"
)

func main() {
	if launcher.Init() {
		return
	}
	metrics.EmitBuildInfo()
	cli.Execute()
}
