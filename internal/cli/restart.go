package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zomboidtools/panelctl/internal/events"
	"github.com/zomboidtools/panelctl/internal/restart"
)

func newRestartCmd() *cobra.Command {
	var warnMinutes int

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the server with warnings, save, and supervised relaunch",
		Long: `restart walks the full sequence: broadcast countdown warnings, save the
world, stop the process (escalating to a forced kill if needed), relaunch
it, and re-establish RCON once the server is back up.

Press Ctrl-C during the warning countdown to cancel. Once the save has
started the restart runs to completion.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPlane()
			if err != nil {
				return err
			}
			defer p.shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			phases, cancelSub := p.bus.Subscribe(16, events.TopicRestartPhase)
			defer cancelSub()
			go func() {
				for ev := range phases {
					output.Step("phase: %v", ev.Payload)
				}
			}()

			go func() {
				<-ctx.Done()
				if p.orch.CancelRestart() {
					output.Warn("Cancel requested, waiting for a safe point...")
				}
			}()

			res, err := p.orch.PerformRestart(ctx, warnMinutes)
			switch {
			case errors.Is(err, restart.ErrCancelled):
				output.Warn("Restart cancelled before any destructive step.")
				return nil
			case err != nil:
				return err
			}

			if res.Phase == restart.PhaseRconPending {
				output.Warn("Server restarted in %s, but RCON has not come back yet; it will reconnect in the background.", res.Elapsed.Round(time.Second))
				return nil
			}
			output.Success("Server restarted in %s.", res.Elapsed.Round(time.Second))
			return nil
		},
	}

	cmd.Flags().IntVar(&warnMinutes, "warn", 2, "Warning countdown length in minutes (0 for immediate)")
	return cmd
}
