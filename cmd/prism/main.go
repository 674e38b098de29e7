// Command prism runs the provider-balancing reverse proxy.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/server"
)

func main() {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "prism",
		Short: "Anthropic-compatible provider-balancing reverse proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.Run(cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
