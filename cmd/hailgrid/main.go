package main

import (
	"fmt"
	"os"

	backupcmd "hailgrid/cmd/hailgrid/backup"
	configcmd "hailgrid/cmd/hailgrid/config"
	dispatchercmd "hailgrid/cmd/hailgrid/dispatcher"
	fleetcmd "hailgrid/cmd/hailgrid/fleet"
	monitorcmd "hailgrid/cmd/hailgrid/monitor"
	taxicmd "hailgrid/cmd/hailgrid/taxi"
	userscmd "hailgrid/cmd/hailgrid/users"
	"hailgrid/internal/console"
	"hailgrid/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	var (
		debug      bool
		configPath string
		plain      bool
	)
	if err := logging.Configure(logging.LevelInfo, "hailgrid"); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "hailgrid",
		Short:         "Distributed taxi dispatch over a city grid",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level, cmd.Name()); err != nil {
				return err
			}
			console.Configure(plain)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: XDG config dir)")
	root.PersistentFlags().BoolVar(&plain, "plain", false, "Disable colored output")

	root.AddCommand(dispatchercmd.Cmd(&configPath))
	root.AddCommand(backupcmd.Cmd(&configPath))
	root.AddCommand(monitorcmd.Cmd(&configPath))
	root.AddCommand(taxicmd.Cmd(&configPath))
	root.AddCommand(userscmd.Cmd(&configPath))
	root.AddCommand(fleetcmd.Cmd(&configPath))
	root.AddCommand(configcmd.Cmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
