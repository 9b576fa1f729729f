package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/stepwise/internal/config"
	"github.com/xkilldash9x/stepwise/internal/dnsjourney"
	"github.com/xkilldash9x/stepwise/internal/observability"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

func newDNSCmd() *cobra.Command {
	var interactive bool

	dnsCmd := &cobra.Command{
		Use:   "dns [domain]",
		Short: "Follow a domain name from the address bar to a loaded page",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			domain := cfg.DNS().Domain
			if len(args) == 1 {
				domain = args[0]
			}
			return runDNS(cmd.Context(), cfg, domain, newPlayOptions(cmd, cfg, interactive))
		},
	}

	dnsCmd.Flags().String("mode", "", "play mode for --interactive: manual or auto")
	dnsCmd.Flags().String("speed", "", "playback speed: slow, medium or fast")
	dnsCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "control playback from a prompt")
	return dnsCmd
}

func runDNS(ctx context.Context, cfg config.Interface, domain string, opts playOptions) error {
	logger := observability.GetLogger().Named("dns")

	journey, err := dnsjourney.Default()
	if err != nil {
		return fmt.Errorf("failed to load dns journey: %w", err)
	}
	dopts, err := opts.driverOptions(cfg.Playback())
	if err != nil {
		return err
	}
	// The driver validates the domain through the journey's Lookup.
	d, err := timeline.NewDriver(logger, journey, domain, dopts...)
	if err != nil {
		return err
	}
	return playDriver(ctx, logger, d, opts)
}
