// Package cli implements the prismctl administrative commands: talking to
// a running prism server's HTTP surface rather than touching its config
// or state directly.
package cli

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	baseURL string
}

// Run builds and executes the prismctl root command.
func Run(args []string) error {
	opts := &rootOptions{baseURL: "http://127.0.0.1:8080"}
	cmd := &cobra.Command{
		Use:   "prismctl",
		Short: "Administrative client for a running prism server",
	}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "server", opts.baseURL, "base URL of the running prism server")
	cmd.AddCommand(newProvidersCmd(opts))
	cmd.AddCommand(newOAuthCmd(opts))
	cmd.SetArgs(args)
	return cmd.Execute()
}
