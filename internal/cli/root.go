// Package cli wires the control-plane services to the panelctl command
// verbs.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zomboidtools/panelctl/internal/config"
	"github.com/zomboidtools/panelctl/internal/ui"
)

var (
	cfgPath string
	verbose bool
	output  *ui.UI
)

// NewRootCmd creates the root cobra command with all subcommands.
func NewRootCmd(version, commit string) *cobra.Command {
	output = ui.Default()

	root := &cobra.Command{
		Use:   "panelctl",
		Short: "Control plane for a dedicated game server",
		Long: `panelctl keeps a management panel synchronized with a long-running
game-server process over two independent channels: RCON over TCP, and a
file-based command bridge to the script host inside the game process.`,
		Version: fmt.Sprintf("%s (%s)", version, commit),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "Config file (default: ~/.config/panelctl/panelctl.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newStatusCmd(),
		newExecCmd(),
		newSendCmd(),
		newRestartCmd(),
		newWatchCmd(),
	)

	return root
}

func loadConfig() (*config.Config, error) {
	path := cfgPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		path = filepath.Join(home, ".config", "panelctl", "panelctl.yaml")
	}
	return config.Load(path)
}
