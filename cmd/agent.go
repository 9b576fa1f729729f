package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/stepwise/internal/agentloop"
	"github.com/xkilldash9x/stepwise/internal/config"
	"github.com/xkilldash9x/stepwise/internal/observability"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

func newAgentCmd() *cobra.Command {
	var interactive bool

	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Walk through an AI agent's perceive, decide, act loop",
		Long: `Plays one of the agent scenarios step by step.

Without --interactive the scenario plays to the end at the configured speed.
With it, a prompt lets you step, pause, reset, and switch scenarios.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg, newPlayOptions(cmd, cfg, interactive))
		},
	}

	agentCmd.Flags().String("scenario", "", "scenario id (see 'stepwise scenarios')")
	agentCmd.Flags().String("mode", "", "play mode for --interactive: manual or auto")
	agentCmd.Flags().String("speed", "", "playback speed: slow, medium or fast")
	agentCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "control playback from a prompt")
	return agentCmd
}

func runAgent(ctx context.Context, cfg config.Interface, opts playOptions) error {
	logger := observability.GetLogger().Named("agent")

	catalog, err := agentloop.Catalog()
	if err != nil {
		return fmt.Errorf("failed to load agent scenarios: %w", err)
	}
	dopts, err := opts.driverOptions(cfg.Playback())
	if err != nil {
		return err
	}
	d, err := timeline.NewDriver(logger, catalog, cfg.Agent().Scenario, dopts...)
	if err != nil {
		return err
	}
	return playDriver(ctx, logger, d, opts)
}
