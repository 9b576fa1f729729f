package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/stepwise/internal/agentloop"
	"github.com/xkilldash9x/stepwise/internal/dnsjourney"
	"github.com/xkilldash9x/stepwise/internal/propagation"
)

func newScenariosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the built-in scenarios, domains and network nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listScenarios(cmd.OutOrStdout())
		},
	}
}

func listScenarios(w io.Writer) error {
	catalog, err := agentloop.Catalog()
	if err != nil {
		return err
	}
	journey, err := dnsjourney.Default()
	if err != nil {
		return err
	}
	topo, err := propagation.DefaultTopology()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT SCENARIO\tNAME\tSTEPS\tGOAL")
	for _, id := range catalog.IDs() {
		sc, err := catalog.Lookup(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", sc.ID, sc.Name, len(sc.Steps), sc.Goal)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nDNS domains with a fixed address (default %s; any other valid domain also works):\n  %s\n",
		journey.DefaultDomain(), strings.Join(journey.Domains(), ", "))
	fmt.Fprintf(w, "\nNetwork nodes (origin %s):\n  %s\n", topo.Origin, strings.Join(topo.Nodes, ", "))
	return nil
}
