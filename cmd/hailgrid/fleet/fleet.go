package fleetcmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hailgrid/internal/config"
	"hailgrid/internal/console"
	"hailgrid/internal/store"
)

// Cmd returns the "hailgrid fleet" command: a console view of the fleet
// table, one-shot or refreshing.
func Cmd(configFlag *string) *cobra.Command {
	var (
		watch     time.Duration
		storePath string
	)

	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Show the fleet state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFlag)
			if err != nil {
				return err
			}
			if storePath != "" {
				cfg.StorePath = storePath
			}
			st, err := store.Open(cfg.StorePath)
			if err != nil {
				return err
			}
			defer st.Close()

			render := func() error {
				out, err := console.Snapshot(st)
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			}

			if watch <= 0 {
				return render()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(watch)
			defer ticker.Stop()
			if err := render(); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := render(); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "Re-render every interval (e.g. 2s); 0 renders once")
	cmd.Flags().StringVar(&storePath, "store", "", "Fleet database path (overrides the config file)")
	return cmd
}
