package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const defaultSendTimeout = 15 * time.Second

func newSendCmd() *cobra.Command {
	var argsJSON string
	var timeout = defaultSendTimeout

	cmd := &cobra.Command{
		Use:   "send <action>",
		Short: "Send a command through the file bridge and wait for its result",
		Long: `send writes a command into the bridge directory for the script host
inside the game process to pick up, then waits for the matching result.
Use --args to attach a JSON object of parameters.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			var params map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &params); err != nil {
					return fmt.Errorf("parsing --args: %w", err)
				}
			}

			p, err := buildPlane()
			if err != nil {
				return err
			}
			defer p.shutdown()

			if err := p.bridge.Start(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res, err := p.bridge.SendCommand(ctx, cmdArgs[0], params)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("command failed: %s", res.Error)
			}
			if len(res.Data) > 0 {
				output.Info("%s", string(res.Data))
			} else {
				output.Success("OK")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&argsJSON, "args", "", "JSON object of command arguments")
	cmd.Flags().DurationVar(&timeout, "timeout", timeout, "How long to wait for the result")
	return cmd
}
