// Command prismctl is an administrative client for a running prism
// server: inspecting provider health and managing OAuth credentials
// over its HTTP surface.
package main

import (
	"fmt"
	"os"

	"github.com/AlanGuo/claude-code-provider-balancer/cmd/prismctl/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
