package cmd

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/stepwise/internal/agentloop"
	"github.com/xkilldash9x/stepwise/internal/config"
	"github.com/xkilldash9x/stepwise/internal/dnsjourney"
	"github.com/xkilldash9x/stepwise/internal/observability"
	"github.com/xkilldash9x/stepwise/internal/propagation"
	"github.com/xkilldash9x/stepwise/internal/script"
	"github.com/xkilldash9x/stepwise/internal/server"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve widget sessions over HTTP and websockets",
		Long: `Starts the session API. Clients create agent, dns or network sessions
with POST /v1/sessions, then watch and control them over
/v1/sessions/{id}/ws. Stops gracefully on interrupt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().String("addr", "", "listen address, host:port")
	serveCmd.Flags().String("mode", "", "initial play mode of new sessions: manual or auto")
	serveCmd.Flags().String("speed", "", "initial speed of new sessions: slow, medium or fast")
	return serveCmd
}

func runServe(ctx context.Context, cfg config.Interface) error {
	sources, err := buildSources(cfg)
	if err != nil {
		return err
	}
	srv := server.New(observability.GetLogger(), cfg.Server(), sources)
	return srv.Run(ctx)
}

// buildSources loads the built-in scenario tables for the server.
func buildSources(cfg config.Interface) (server.Sources, error) {
	catalog, err := agentloop.Catalog()
	if err != nil {
		return server.Sources{}, fmt.Errorf("failed to load agent scenarios: %w", err)
	}
	journey, err := dnsjourney.Default()
	if err != nil {
		return server.Sources{}, fmt.Errorf("failed to load dns journey: %w", err)
	}
	topo, err := propagation.DefaultTopology()
	if err != nil {
		return server.Sources{}, fmt.Errorf("failed to load topology: %w", err)
	}
	mode, err := timeline.ParseMode(cfg.Playback().Mode)
	if err != nil {
		return server.Sources{}, err
	}
	speed, err := script.ParseSpeed(cfg.Playback().Speed)
	if err != nil {
		return server.Sources{}, err
	}
	return server.Sources{
		Agent:         catalog,
		DNS:           journey,
		Topology:      topo,
		DefaultAgent:  cfg.Agent().Scenario,
		DefaultDomain: cfg.DNS().Domain,
		Mode:          mode,
		Speed:         speed,
		Clock:         clockwork.NewRealClock(),
	}, nil
}
