package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/webgrade/pkg/portalloc"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Show the port band for this rank",
	Long: `Print the range of ports this rank leases from. With --probe, also
report the first port in the band that can be bound right now.

Example:
  webgrade ports --rank 3
  RANK=2 webgrade ports --probe`,
	RunE: runPorts,
}

var portsProbe bool

func init() {
	rootCmd.AddCommand(portsCmd)
	portsCmd.Flags().BoolVar(&portsProbe, "probe", false, "Find the first free port in the band")
}

func runPorts(cmd *cobra.Command, _ []string) error {
	alloc := portalloc.New(portalloc.Config{
		Rank:     appConfig.Rank,
		Base:     appConfig.Ports.Base,
		BandSize: appConfig.Ports.BandSize,
	})
	return printBand(cmd.Context(), cmd.OutOrStdout(), alloc, appConfig.Rank, portsProbe)
}

func printBand(ctx context.Context, w io.Writer, alloc *portalloc.Allocator, rank int, probe bool) error {
	lo, hi := alloc.Band()
	if _, err := fmt.Fprintf(w, "rank %d: ports %d-%d\n", rank, lo, hi); err != nil {
		return err
	}
	if !probe {
		return nil
	}

	lease, err := alloc.Acquire(ctx, "ports-probe")
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "No free port in band", err)
	}
	_ = alloc.Release(lease.Port)
	_, err = fmt.Fprintf(w, "first free: %d\n", lease.Port)
	return err
}
