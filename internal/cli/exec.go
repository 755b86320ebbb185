package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command> [args...]",
		Short: "Run a console command over RCON and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPlane()
			if err != nil {
				return err
			}
			defer p.shutdown()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			out, err := p.session.Execute(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if out == "" {
				output.Success("OK (no response)")
				return nil
			}
			output.Info("%s", out)
			return nil
		},
	}
}
