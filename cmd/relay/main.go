// Relay is the authenticated AI proxy gateway for the Veylan desktop
// assistant: device and token lifecycle, multi-provider streaming cascade,
// metering, and transcription token vending.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/subosito/gotenv"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("relay", version)
		os.Exit(0)
	}

	// Local development convenience; production sets real env vars.
	gotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
