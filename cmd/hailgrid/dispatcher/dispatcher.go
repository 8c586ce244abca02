package dispatchercmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hailgrid/internal/clockcheck"
	"hailgrid/internal/config"
	"hailgrid/internal/console"
	"hailgrid/internal/dispatch"
	"hailgrid/internal/fabric"
	"hailgrid/internal/fleet"
	"hailgrid/internal/grid"
	"hailgrid/internal/store"
)

// Cmd returns the "hailgrid dispatcher" command: the primary control
// plane, serving every client channel.
func Cmd(configFlag *string) *cobra.Command {
	var (
		storePath string
		showFleet time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dispatcher <rows> <cols>",
		Short: "Run the primary dispatcher",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := parseGrid(args)
			if err != nil {
				return err
			}
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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			clock := fleet.RealClock{}
			go clockcheck.NewChecker(clock).Run(ctx)
			if showFleet > 0 {
				go fleetRenderLoop(ctx, st, showFleet)
			}

			d := dispatch.New(dispatcherConfig(g, cfg, cfg.Primary, true), st, clock)
			if err := d.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&storePath, "store", "", "Fleet database path (overrides the config file)")
	cmd.Flags().DurationVar(&showFleet, "show-fleet", 0, "Render the fleet table every interval (e.g. 5s); 0 disables")
	return cmd
}

// fleetRenderLoop periodically prints the fleet table to stdout.
func fleetRenderLoop(ctx context.Context, st *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out, err := console.Snapshot(st)
			if err != nil {
				slog.Warn("render fleet table", "err", err)
				continue
			}
			fmt.Print(out)
		}
	}
}

func parseGrid(args []string) (grid.Grid, error) {
	rows, err := strconv.Atoi(args[0])
	if err != nil {
		return grid.Grid{}, fmt.Errorf("rows %q is not an integer", args[0])
	}
	cols, err := strconv.Atoi(args[1])
	if err != nil {
		return grid.Grid{}, fmt.Errorf("cols %q is not an integer", args[1])
	}
	return grid.New(rows, cols)
}

// dispatcherConfig maps one node's ports onto bind endpoints. The probe
// channel is only served here for the primary; the backup controller
// answers probes itself so it responds in both modes.
func dispatcherConfig(g grid.Grid, cfg config.Config, node config.Node, withProbe bool) dispatch.Config {
	dc := dispatch.Config{
		Grid:                 g,
		RegistrationEndpoint: fabric.BindEndpoint(node.RegistrationPort),
		PositionEndpoint:     fabric.BindEndpoint(node.PositionPort),
		HeartbeatEndpoint:    fabric.BindEndpoint(node.HeartbeatPort),
		AssignEndpoint:       fabric.BindEndpoint(node.AssignPort),
		UserRequestEndpoint:  fabric.BindEndpoint(node.UserRequestPort),
		HeartbeatInterval:    cfg.HeartbeatInterval(),
		HeartbeatTimeout:     cfg.HeartbeatTimeout(),
		ServiceDuration:      cfg.ServiceDuration(),
	}
	if withProbe {
		dc.ProbeEndpoint = fabric.BindEndpoint(node.ProbePort)
	}
	return dc
}
