package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/stepwise/internal/config"
	"github.com/xkilldash9x/stepwise/internal/observability"
	"github.com/xkilldash9x/stepwise/internal/script"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

func newPlayCmd() *cobra.Command {
	var (
		interactive bool
		scenario    string
	)

	playCmd := &cobra.Command{
		Use:   "play <script.yaml>",
		Short: "Play a scenario from a hand-written script table",
		Long: `Loads a YAML script table with the same layout as the built-in agent
scenarios and plays one of its scenarios. The first scenario in the file is
used unless --id names another.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return runPlay(cmd.Context(), cfg, args[0], scenario, newPlayOptions(cmd, cfg, interactive))
		},
	}

	playCmd.Flags().StringVar(&scenario, "id", "", "scenario id within the script table")
	playCmd.Flags().String("mode", "", "play mode for --interactive: manual or auto")
	playCmd.Flags().String("speed", "", "playback speed: slow, medium or fast")
	playCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "control playback from a prompt")
	return playCmd
}

func runPlay(ctx context.Context, cfg config.Interface, path, id string, opts playOptions) error {
	logger := observability.GetLogger().Named("play")

	catalog, err := script.Load(path)
	if err != nil {
		return err
	}
	if id == "" {
		ids := catalog.IDs()
		if len(ids) == 0 {
			return fmt.Errorf("%w: %s holds no scenarios", script.ErrInvalidScenario, path)
		}
		id = ids[0]
	}
	dopts, err := opts.driverOptions(cfg.Playback())
	if err != nil {
		return err
	}
	d, err := timeline.NewDriver(logger, catalog, id, dopts...)
	if err != nil {
		return err
	}
	return playDriver(ctx, logger, d, opts)
}
