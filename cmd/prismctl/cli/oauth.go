package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"
)

func newOAuthCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oauth",
		Short: "Manage OAuth credentials for provider accounts",
	}
	cmd.AddCommand(newOAuthGenerateURLCmd(root))
	cmd.AddCommand(newOAuthExchangeCodeCmd(root))
	cmd.AddCommand(newOAuthStatusCmd(root))
	cmd.AddCommand(newOAuthRefreshCmd(root))
	cmd.AddCommand(newOAuthRevokeCmd(root))
	return cmd
}

func newOAuthGenerateURLCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-url",
		Short: "Start an authorization flow and print (and copy) the login URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				AuthorizeURL string `json:"authorize_url"`
				State        string `json:"state"`
			}
			client := newAPIClient(root.baseURL)
			if err := client.do(cmd.Context(), "GET", "/oauth/generate-url", nil, &resp); err != nil {
				return err
			}
			fmt.Println(resp.AuthorizeURL)
			if err := clipboard.WriteAll(resp.AuthorizeURL); err == nil {
				fmt.Fprintln(os.Stderr, "(copied to clipboard)")
			}
			fmt.Fprintln(os.Stderr, "Open the URL above, approve access, then run:")
			fmt.Fprintln(os.Stderr, "  prismctl oauth exchange-code --code <code> --account-email <email>")
			return nil
		},
	}
}

func newOAuthExchangeCodeCmd(root *rootOptions) *cobra.Command {
	var code, accountEmail string
	cmd := &cobra.Command{
		Use:   "exchange-code",
		Short: "Exchange an authorization code for a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(code) == "" || strings.TrimSpace(accountEmail) == "" {
				return fmt.Errorf("--code and --account-email are required")
			}
			var resp struct {
				AccountEmail string    `json:"account_email"`
				ExpiresAt    time.Time `json:"expires_at"`
			}
			client := newAPIClient(root.baseURL)
			body := map[string]string{"code": code, "account_email": accountEmail}
			if err := client.do(cmd.Context(), "POST", "/oauth/exchange-code", body, &resp); err != nil {
				return err
			}
			fmt.Printf("stored token for %s, expires %s\n", resp.AccountEmail, resp.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "authorization code shown after approving access")
	cmd.Flags().StringVar(&accountEmail, "account-email", "", "account identifier to store the token under")
	return cmd
}

func newOAuthStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List every account with a stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Accounts []struct {
					AccountEmail string    `json:"account_email"`
					ExpiresAt    time.Time `json:"expires_at"`
					UsageCount   int64     `json:"usage_count"`
				} `json:"accounts"`
			}
			client := newAPIClient(root.baseURL)
			if err := client.do(cmd.Context(), "GET", "/oauth/status", nil, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACCOUNT\tEXPIRES\tUSES")
			for _, a := range resp.Accounts {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", a.AccountEmail, a.ExpiresAt.Format(time.RFC3339), a.UsageCount)
			}
			return tw.Flush()
		},
	}
}

func newOAuthRefreshCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <account-email>",
		Short: "Force-refresh a stored token now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(root.baseURL)
			var resp struct {
				ExpiresAt time.Time `json:"expires_at"`
			}
			if err := client.do(cmd.Context(), "POST", "/oauth/refresh/"+args[0], nil, &resp); err != nil {
				return err
			}
			fmt.Printf("refreshed, expires %s\n", resp.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newOAuthRevokeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <account-email>",
		Short: "Delete a stored token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(root.baseURL)
			if err := client.do(cmd.Context(), "DELETE", "/oauth/tokens/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Println("revoked")
			return nil
		},
	}
}
