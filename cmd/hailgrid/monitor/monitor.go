package monitorcmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hailgrid/internal/config"
	"hailgrid/internal/fabric"
	"hailgrid/internal/monitor"
)

// Cmd returns the "hailgrid monitor" command: the failover prober that
// flips the backup between passive and active.
func Cmd(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Probe the primary dispatcher and drive backup failover",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFlag)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := &monitor.Monitor{
				PrimaryEndpoint:    cfg.Primary.Probe(),
				ActivationEndpoint: fabric.Endpoint(cfg.Backup.Host, cfg.ActivationPort),
				Interval:           cfg.ProbeInterval(),
				ReplyTimeout:       cfg.ProbeTimeout(),
			}
			if err := m.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}
