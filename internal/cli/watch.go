package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zomboidtools/panelctl/internal/bridge"
	"github.com/zomboidtools/panelctl/internal/events"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream connectivity and player events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPlane()
			if err != nil {
				return err
			}
			defer p.shutdown()

			evs, cancelSub := p.bus.Subscribe(64)
			defer cancelSub()

			if err := p.bridge.Start(); err != nil {
				return err
			}
			p.session.Start()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			output.Step("Watching %s (Ctrl-C to stop)", p.profile.Name)
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-evs:
					printEvent(ev)
				}
			}
		},
	}
}

func printEvent(ev events.Event) {
	ts := ev.At.Format("15:04:05")
	switch ev.Topic {
	case events.TopicRconConnected:
		output.Success("%s rcon connected", ts)
	case events.TopicRconDisconnected:
		output.Warn("%s rcon disconnected", ts)
	case events.TopicBridgeConnected:
		output.Success("%s bridge heartbeat restored", ts)
	case events.TopicBridgeDisconnected:
		output.Warn("%s bridge heartbeat stale", ts)
	case events.TopicPlayerConnect:
		if pe, ok := ev.Payload.(bridge.PlayerEvent); ok {
			output.Info("%s player joined: %s", ts, pe.Player)
		}
	case events.TopicPlayerDisconnect:
		if pe, ok := ev.Payload.(bridge.PlayerEvent); ok {
			output.Info("%s player left: %s", ts, pe.Player)
		}
	case events.TopicModStatus:
		output.Info("%s mod status changed: %v", ts, ev.Payload)
	default:
		output.Info("%s %s: %v", ts, ev.Topic, ev.Payload)
	}
}
