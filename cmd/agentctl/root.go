package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/agent-gateway/internal/client"
)

// Version is set at build time via ldflags.
var Version = "dev"

type rootOptions struct {
	server  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "agentctl",
		Short: "Command line client for the agent gateway",
		Long: `agentctl submits agent runs to an agent gateway and inspects them.

The server defaults to $AGENT_GATEWAY_URL, or http://localhost:8000.

Examples:
  agentctl agents
  agentctl submit --agent echo --input '{"q":"hi"}' --wait 30s
  agentctl status 3f0c... --wait 10s
  agentctl list --state running`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("agentctl {{.Version}}\n")

	defaultServer := os.Getenv("AGENT_GATEWAY_URL")
	if defaultServer == "" {
		defaultServer = client.DefaultBaseURL
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "gateway base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "overall request timeout (0 means none)")

	root.AddCommand(
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newCancelCmd(opts),
		newListCmd(opts),
		newAgentsCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

func (o *rootOptions) client() (*client.Client, error) {
	return client.New(o.server, nil)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
