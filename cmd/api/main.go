// Command api runs the route orchestrator: the HTTP API, the recovery
// sweeper and the outbox relay, plus maintenance subcommands.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
