package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/thebtf/tandem/internal/mcpbridge"
)

type mcpFlags struct {
	url     string
	handle  string
	token   string
	timeout time.Duration
}

// newMCPCmd is the stdio MCP server the agent process launches. Tool calls
// are forwarded to the gateway that owns the session handle.
func newMCPCmd(global *globalFlags) *cobra.Command {
	flags := &mcpFlags{}
	cmd := &cobra.Command{
		Use:    "mcp",
		Short:  "Serve gateway tools to the agent over MCP stdio",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := global.logLevel
			if level == "" {
				level = "warn"
			}
			setupLogging(cmd.ErrOrStderr(), level)

			token := flags.token
			if token == "" {
				token = os.Getenv("TANDEM_BRIDGE_TOKEN")
			}
			bridge, err := mcpbridge.New(mcpbridge.Config{
				BaseURL: flags.url,
				Handle:  flags.handle,
				Token:   token,
				Version: Version,
				Timeout: flags.timeout,
			})
			if err != nil {
				return err
			}
			return bridge.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.url, "url", "", "gateway base URL")
	cmd.Flags().StringVar(&flags.handle, "handle", "", "agent session handle")
	cmd.Flags().StringVar(&flags.token, "token", "", "bearer token (or TANDEM_BRIDGE_TOKEN)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 5*time.Minute, "per tool call timeout")
	return cmd
}
