package taxicmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"hailgrid/internal/config"
	"hailgrid/internal/fleet"
	"hailgrid/internal/grid"
	"hailgrid/internal/taxi"
)

// Cmd returns the "hailgrid taxi" command: one mobile taxi agent.
func Cmd(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "taxi <id> <rows> <cols> <x> <y> <speed>",
		Short: "Run a taxi agent",
		Args:  cobra.ExactArgs(6),
		RunE: func(cmd *cobra.Command, args []string) error {
			vals := make([]int, len(args))
			for i, name := range []string{"id", "rows", "cols", "x", "y", "speed"} {
				v, err := strconv.Atoi(args[i])
				if err != nil {
					return fmt.Errorf("%s %q is not an integer", name, args[i])
				}
				vals[i] = v
			}
			if vals[0] <= 0 {
				return fmt.Errorf("taxi id must be positive, got %d", vals[0])
			}

			g, err := grid.New(vals[1], vals[2])
			if err != nil {
				return err
			}
			cfg, err := config.Load(*configFlag)
			if err != nil {
				return err
			}

			agent, err := taxi.New(taxi.Config{
				ID:                vals[0],
				Grid:              g,
				PosX:              vals[3],
				PosY:              vals[4],
				Speed:             vals[5],
				Primary:           endpoints(cfg.Primary),
				Backup:            endpoints(cfg.Backup),
				ConnectTimeout:    cfg.ConnectTimeout(),
				ReconnectBackoff:  cfg.ReconnectBackoff(),
				PrimaryRetries:    cfg.PrimaryConnectRetries,
				PositionInterval:  cfg.PositionInterval(),
				HeartbeatInterval: cfg.HeartbeatInterval(),
			}, fleet.RealClock{})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Drain ride notifications so the channel never backs up.
			go func() {
				for range agent.Assignments() {
				}
			}()

			if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func endpoints(n config.Node) taxi.Endpoints {
	return taxi.Endpoints{
		Registration: n.Registration(),
		Positions:    n.Positions(),
		Heartbeats:   n.Heartbeats(),
		Assignments:  n.Assignments(),
	}
}
