package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show process, RCON, and bridge connectivity for the active server",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPlane()
			if err != nil {
				return err
			}
			defer p.shutdown()

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			output.Step("Server: %s", p.profile.Name)

			if p.proc.IsAlive(ctx) {
				output.Field("Process", "RUNNING")
			} else {
				output.Field("Process", "STOPPED")
			}

			if err := p.session.Connect(ctx); err != nil {
				output.Field("RCON", "UNREACHABLE")
			} else {
				output.Field("RCON", "CONNECTED (%s)", p.profile.Addr())
			}

			if err := p.bridge.Start(); err != nil {
				return err
			}
			p.bridge.Refresh()
			st := p.bridge.Status()
			if st.Alive {
				output.Field("Bridge", "ALIVE (heartbeat %s old)", st.Age.Round(time.Second))
				output.Field("Version", "%s", st.Version)
				output.Field("Players", "%d online", st.PlayerCount)
				if len(st.Players) > 0 {
					output.Field("", "%s", strings.Join(st.Players, ", "))
				}
			} else if st.ServerName != "" {
				output.Field("Bridge", "STALE (last known: %s, %d players)", st.ServerName, st.PlayerCount)
			} else {
				output.Field("Bridge", "NO HEARTBEAT")
			}
			return nil
		},
	}
}
