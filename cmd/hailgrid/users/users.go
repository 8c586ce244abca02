package userscmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hailgrid/internal/config"
	"hailgrid/internal/user"
)

// Cmd returns the "hailgrid users" command: fires every rider in the
// roster file and prints the outcome report.
func Cmd(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "users <roster-file>",
		Short: "Run ride requests from a roster file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			riders, err := user.LoadRoster(args[0])
			if err != nil {
				return err
			}
			if len(riders) == 0 {
				return fmt.Errorf("roster %s has no riders", args[0])
			}
			cfg, err := config.Load(*configFlag)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			outcomes := user.RunAll(ctx, user.Config{
				PrimaryEndpoint: cfg.Primary.UserRequests(),
				BackupEndpoint:  cfg.Backup.UserRequests(),
				ReplyTimeout:    cfg.UserRequestTimeout(),
			}, riders)

			for _, o := range outcomes {
				switch {
				case o.Err != nil:
					fmt.Printf("user %d: %v\n", o.UserID, o.Err)
				case o.Assigned:
					fmt.Printf("user %d: taxi %d in %s\n", o.UserID, o.TaxiID, o.Response.Round(time.Millisecond))
				default:
					fmt.Printf("user %d: no taxi available\n", o.UserID)
				}
			}
			fmt.Println(user.Summarize(outcomes))
			return nil
		},
	}
}
