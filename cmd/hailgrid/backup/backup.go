package backupcmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"hailgrid/internal/clockcheck"
	"hailgrid/internal/config"
	"hailgrid/internal/dispatch"
	"hailgrid/internal/fabric"
	"hailgrid/internal/fleet"
	"hailgrid/internal/grid"
	"hailgrid/internal/store"
)

// Cmd returns the "hailgrid backup" command: the standby dispatcher,
// waiting for the monitor's activation signal.
func Cmd(configFlag *string) *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:   "backup <rows> <cols>",
		Short: "Run the standby dispatcher",
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

			b := &dispatch.Backup{
				Dispatcher: dispatch.Config{
					Grid:                 g,
					RegistrationEndpoint: fabric.BindEndpoint(cfg.Backup.RegistrationPort),
					PositionEndpoint:     fabric.BindEndpoint(cfg.Backup.PositionPort),
					HeartbeatEndpoint:    fabric.BindEndpoint(cfg.Backup.HeartbeatPort),
					AssignEndpoint:       fabric.BindEndpoint(cfg.Backup.AssignPort),
					UserRequestEndpoint:  fabric.BindEndpoint(cfg.Backup.UserRequestPort),
					HeartbeatInterval:    cfg.HeartbeatInterval(),
					HeartbeatTimeout:     cfg.HeartbeatTimeout(),
					ServiceDuration:      cfg.ServiceDuration(),
				},
				ActivationEndpoint: fabric.BindEndpoint(cfg.ActivationPort),
				ProbeEndpoint:      fabric.BindEndpoint(cfg.Backup.ProbePort),
				Store:              st,
				Clock:              clock,
			}
			if err := b.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&storePath, "store", "", "Fleet database path (overrides the config file)")
	return cmd
}

func parseGrid(args []string) (grid.Grid, error) {
	rows, err := parseInt("rows", args[0])
	if err != nil {
		return grid.Grid{}, err
	}
	cols, err := parseInt("cols", args[1])
	if err != nil {
		return grid.Grid{}, err
	}
	return grid.New(rows, cols)
}

func parseInt(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not an integer", name, v)
	}
	return n, nil
}
