package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/agent-gateway/internal/client"
	"github.com/animus-labs/agent-gateway/internal/domain"
)

func (o *rootOptions) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return context.WithCancel(ctx)
}

func newSubmitCmd(root *rootOptions) *cobra.Command {
	var (
		agentID string
		input   string
		config  string
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := client.SubmitRequest{AgentID: agentID}
			if input != "" {
				if !json.Valid([]byte(input)) {
					return fmt.Errorf("--input is not valid JSON")
				}
				req.Input = json.RawMessage(input)
			}
			if config != "" {
				if !json.Valid([]byte(config)) {
					return fmt.Errorf("--config is not valid JSON")
				}
				req.Config = json.RawMessage(config)
			}

			c, err := root.client()
			if err != nil {
				return err
			}
			ctx, cancel := root.requestContext(cmd)
			defer cancel()

			submitted, err := c.Submit(ctx, req)
			if err != nil {
				return err
			}
			if wait <= 0 {
				return printJSON(cmd, submitted)
			}
			run, err := c.Get(ctx, submitted.RunID, wait)
			if err != nil {
				return err
			}
			return printJSON(cmd, run)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (required)")
	cmd.Flags().StringVar(&input, "input", "", "run input as a JSON object")
	cmd.Flags().StringVar(&config, "config", "", "run config as a JSON object")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the run to finish")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			ctx, cancel := root.requestContext(cmd)
			defer cancel()
			run, err := c.Get(ctx, args[0], wait)
			if err != nil {
				return err
			}
			return printJSON(cmd, run)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the run to finish")
	return cmd
}

func newCancelCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a queued or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			ctx, cancel := root.requestContext(cmd)
			defer cancel()
			run, err := c.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, run)
		},
	}
}

func newListCmd(root *rootOptions) *cobra.Command {
	var (
		state   string
		agentID string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := client.ListOptions{AgentID: agentID, Limit: limit}
			if state != "" {
				parsed, ok := domain.ParseRunState(state)
				if !ok {
					return fmt.Errorf("unknown state %q", state)
				}
				opts.State = parsed
			}
			c, err := root.client()
			if err != nil {
				return err
			}
			ctx, cancel := root.requestContext(cmd)
			defer cancel()
			items, err := c.List(ctx, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, items)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs")
	return cmd
}

func newAgentsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agents the gateway can run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			ctx, cancel := root.requestContext(cmd)
			defer cancel()
			agents, err := c.Agents(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, agents)
		},
	}
}

func newHealthCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show gateway health and capacity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			ctx, cancel := root.requestContext(cmd)
			defer cancel()
			health, err := c.Health(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, health)
		},
	}
}
