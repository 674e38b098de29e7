package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newProvidersCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect configured providers",
	}
	cmd.AddCommand(newProvidersListCmd(root))
	return cmd
}

type providerView struct {
	Name              string `json:"name"`
	AccountID         string `json:"account_id"`
	Type              string `json:"type"`
	Enabled           bool   `json:"enabled"`
	Health            string `json:"health"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
}

func newProvidersListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every configured provider and its current health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Providers []providerView `json:"providers"`
			}
			client := newAPIClient(root.baseURL)
			if err := client.do(cmd.Context(), "GET", "/providers", nil, &resp); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tACCOUNT\tTYPE\tENABLED\tHEALTH\tERRORS")
			for _, p := range resp.Providers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d\n", p.Name, p.AccountID, p.Type, p.Enabled, p.Health, p.ConsecutiveErrors)
			}
			return tw.Flush()
		},
	}
}
