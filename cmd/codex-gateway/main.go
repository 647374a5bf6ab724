// codex-gateway is a multi-account reverse proxy in front of a hosted LLM
// platform: it accepts OpenAI-compatible and Anthropic-native traffic,
// authenticates callers against locally issued platform keys, and routes
// each request across a pool of pre-authorized upstream accounts.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to bootstrap config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("codex-gateway", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
