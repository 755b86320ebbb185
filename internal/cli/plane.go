package cli

import (
	"github.com/zomboidtools/panelctl/internal/bridge"
	"github.com/zomboidtools/panelctl/internal/config"
	"github.com/zomboidtools/panelctl/internal/events"
	"github.com/zomboidtools/panelctl/internal/platform"
	"github.com/zomboidtools/panelctl/internal/process"
	"github.com/zomboidtools/panelctl/internal/rcon"
	"github.com/zomboidtools/panelctl/internal/restart"
)

// plane bundles the control-plane services built from the active server
// profile.
type plane struct {
	cfg     *config.Config
	profile *config.ServerProfile
	bus     *events.Bus
	session *rcon.SessionManager
	bridge  *bridge.Bridge
	proc    *process.OSController
	orch    *restart.Orchestrator
}

// buildPlane constructs all services for the active profile. Nothing is
// started; each verb starts only what it needs.
func buildPlane() (*plane, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	profile, err := cfg.ActiveServer()
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()

	session := rcon.NewSessionManager(rcon.Options{
		Addr:                   profile.Addr(),
		Password:               profile.RCONPassword,
		AuthTimeout:            cfg.RCON.AuthTimeout,
		HealthInterval:         cfg.RCON.HealthInterval,
		HealthFailureThreshold: cfg.RCON.HealthFailureThreshold,
		ReconnectMaxAttempts:   cfg.RCON.ReconnectMaxAttempts,
		ReconnectMaxBackoff:    cfg.RCON.ReconnectMaxBackoff,
		StartingGuardTTL:       cfg.Restart.StartingGuardTTL,
		Bus:                    bus,
	})

	br := bridge.New(bridge.Options{
		Dir:              profile.BridgePath,
		ServerName:       profile.Name,
		PollInterval:     cfg.Bridge.PollInterval,
		StatusInterval:   cfg.Bridge.StatusInterval,
		StaleAfter:       cfg.Bridge.StaleAfter,
		CommandTimeout:   cfg.Bridge.CommandTimeout,
		FailureThreshold: cfg.Bridge.FailureThreshold,
		Bus:              bus,
	})

	proc := process.NewController(platform.NewOSCommandRunner(), process.Options{
		StartCommand: profile.StartCommand,
		StartArgs:    profile.StartArgs,
		WorkDir:      profile.WorkDir,
		ProcessName:  profile.ProcessName,
	})

	orch := restart.New(session, proc, restart.Options{
		SaveTimeout:       cfg.Restart.SaveTimeout,
		QuitTimeout:       cfg.Restart.QuitTimeout,
		DeathPollAttempts: cfg.Restart.DeathPollAttempts,
		StartPollAttempts: cfg.Restart.StartPollAttempts,
		ReconnectSchedule: cfg.Restart.ReconnectSchedule,
		StartingGuardTTL:  cfg.Restart.StartingGuardTTL,
		Bus:               bus,
	})

	return &plane{
		cfg:     cfg,
		profile: profile,
		bus:     bus,
		session: session,
		bridge:  br,
		proc:    proc,
		orch:    orch,
	}, nil
}

// shutdown stops whatever the verb started.
func (p *plane) shutdown() {
	p.session.Stop()
	p.bridge.Stop()
}
