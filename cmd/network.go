package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/stepwise/internal/config"
	"github.com/xkilldash9x/stepwise/internal/observability"
	"github.com/xkilldash9x/stepwise/internal/present"
	"github.com/xkilldash9x/stepwise/internal/propagation"
	"github.com/xkilldash9x/stepwise/internal/script"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

func newNetworkCmd() *cobra.Command {
	var count int

	networkCmd := &cobra.Command{
		Use:   "network",
		Short: "Broadcast transactions across a small peer-to-peer network",
		Long: `Sends one or more transactions from an origin node and shows them
spreading hop by hop until every reachable node holds a copy. The ledgers
are printed once the last transaction has synchronized.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("--count must be at least 1, got %d", count)
			}
			return runNetwork(cmd.Context(), cfg, count, newPlayOptions(cmd, cfg, false))
		},
	}

	networkCmd.Flags().String("origin", "", "node the transactions start from")
	networkCmd.Flags().String("from", "", "sender recorded on each transaction")
	networkCmd.Flags().String("to", "", "recipient recorded on each transaction")
	networkCmd.Flags().Int("amount", 0, "amount recorded on each transaction")
	networkCmd.Flags().IntVarP(&count, "count", "n", 1, "number of transactions to broadcast, one after another")
	networkCmd.Flags().String("speed", "", "playback speed: slow, medium or fast")
	return networkCmd
}

func runNetwork(ctx context.Context, cfg config.Interface, count int, opts playOptions) error {
	logger := observability.GetLogger().Named("network")

	topo, err := propagation.DefaultTopology()
	if err != nil {
		return fmt.Errorf("failed to load topology: %w", err)
	}
	speed, err := script.ParseSpeed(cfg.Playback().Speed)
	if err != nil {
		return err
	}
	n, err := propagation.NewNetwork(logger, topo, propagation.WithClock(opts.clock), propagation.WithSpeed(speed))
	if err != nil {
		return err
	}

	out := &syncWriter{w: opts.out}
	console := present.NewConsole(out, present.WithColor(isTerminal(opts.out)), present.WithVerbose(opts.verbose))
	n.Subscribe(console)
	for _, o := range opts.observers {
		n.Subscribe(o)
	}
	synced := make(chan struct{}, 1)
	n.Subscribe(timeline.ObserverFunc(func(s timeline.Snapshot) {
		if s.IsTerminal {
			select {
			case synced <- struct{}{}:
			default:
			}
		}
	}))

	nc := cfg.Network()
	req := propagation.TxRequest{From: nc.From, To: nc.To, Amount: nc.Amount}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return n.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		for i := 0; i < count; i++ {
			tx, err := n.BroadcastFrom(gctx, nc.Origin, req)
			if err != nil {
				return err
			}
			logger.Debug("Waiting for transaction to synchronize.", zap.Int("tx", tx.ID))
			select {
			case <-synced:
			case <-gctx.Done():
				return ctx.Err()
			}
		}
		view, err := n.View(gctx)
		if err != nil {
			return err
		}
		return printLedgers(out, view)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		// Report the interruption rather than how the workers wound down.
		err = ctx.Err()
	}
	return errors.Join(err, console.Err())
}

func printLedgers(w io.Writer, v propagation.View) error {
	fmt.Fprintf(w, "\nLedgers after %d transaction(s), %d of %d nodes synced:\n", v.TxCount, v.Synced, len(v.Nodes))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATE\tLEDGER")
	for _, nd := range v.Nodes {
		entries := "-"
		for i, tx := range nd.Ledger {
			if i == 0 {
				entries = tx.String()
				continue
			}
			entries += ", " + tx.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", nd.Name, nd.State, entries)
	}
	return tw.Flush()
}
