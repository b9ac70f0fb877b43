package main

import (
	"fmt"
	"os"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/cmd"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/buildinfo"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   = "dev"
	buildDate = ""
	commit    = ""
)

func main() {
	info := buildinfo.NewContext(version, buildDate, commit)
	if err := cmd.RootCommand(info).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sidp: %v\n", err)
		os.Exit(1)
	}
}
