// Package config loads the panelctl settings file: named server profiles
// plus tuning knobs for the RCON session, the file bridge, and the restart
// orchestrator.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerProfile describes one managed game server.
type ServerProfile struct {
	Name         string   `yaml:"name"`
	Host         string   `yaml:"host"`
	RCONPort     int      `yaml:"rcon_port"`
	RCONPassword string   `yaml:"rcon_password"`
	BridgePath   string   `yaml:"bridge_path"`
	StartCommand string   `yaml:"start_command"`
	StartArgs    []string `yaml:"start_args"`
	WorkDir      string   `yaml:"work_dir"`
	ProcessName  string   `yaml:"process_name"`
}

// Addr returns the host:port RCON endpoint.
func (p *ServerProfile) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.RCONPort)
}

// RCONTuning holds session-manager timing knobs.
type RCONTuning struct {
	AuthTimeout            time.Duration `yaml:"auth_timeout"`
	HealthInterval         time.Duration `yaml:"health_interval"`
	HealthFailureThreshold int           `yaml:"health_failure_threshold"`
	ReconnectMaxAttempts   int           `yaml:"reconnect_max_attempts"`
	ReconnectMaxBackoff    time.Duration `yaml:"reconnect_max_backoff"`
}

// BridgeTuning holds file-bridge timing knobs.
type BridgeTuning struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	StatusInterval   time.Duration `yaml:"status_interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// RestartTuning holds orchestrator timing knobs. ReconnectSchedule is the
// staged post-relaunch RCON wait sequence.
type RestartTuning struct {
	SaveTimeout       time.Duration   `yaml:"save_timeout"`
	QuitTimeout       time.Duration   `yaml:"quit_timeout"`
	DeathPollAttempts int             `yaml:"death_poll_attempts"`
	StartPollAttempts int             `yaml:"start_poll_attempts"`
	ReconnectSchedule []time.Duration `yaml:"reconnect_schedule"`
	StartingGuardTTL  time.Duration   `yaml:"starting_guard_ttl"`
}

// Config is the root of the settings file.
type Config struct {
	Active  string                   `yaml:"active"`
	Servers map[string]ServerProfile `yaml:"servers"`
	RCON    RCONTuning               `yaml:"rcon"`
	Bridge  BridgeTuning             `yaml:"bridge"`
	Restart RestartTuning            `yaml:"restart"`
}

// DefaultConfig returns a Config with the tuned defaults; server profiles
// must come from the settings file.
func DefaultConfig() *Config {
	return &Config{
		Servers: make(map[string]ServerProfile),
		RCON: RCONTuning{
			AuthTimeout:            10 * time.Second,
			HealthInterval:         30 * time.Second,
			HealthFailureThreshold: 3,
			ReconnectMaxAttempts:   30,
			ReconnectMaxBackoff:    30 * time.Second,
		},
		Bridge: BridgeTuning{
			PollInterval:     300 * time.Millisecond,
			StatusInterval:   5 * time.Second,
			StaleAfter:       45 * time.Second,
			CommandTimeout:   10 * time.Second,
			FailureThreshold: 5,
		},
		Restart: RestartTuning{
			SaveTimeout:       30 * time.Second,
			QuitTimeout:       15 * time.Second,
			DeathPollAttempts: 30,
			StartPollAttempts: 60,
			ReconnectSchedule: []time.Duration{
				60 * time.Second,
				45 * time.Second,
				45 * time.Second,
				45 * time.Second,
				45 * time.Second,
			},
			StartingGuardTTL: 5 * time.Minute,
		},
	}
}

// Load reads the settings file at path, applying defaults for anything the
// file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ActiveServer returns the profile named by the active key.
func (c *Config) ActiveServer() (*ServerProfile, error) {
	if c.Active == "" {
		return nil, fmt.Errorf("no active server set in config")
	}
	p, ok := c.Servers[c.Active]
	if !ok {
		return nil, fmt.Errorf("active server %q not found in config", c.Active)
	}
	if p.Name == "" {
		p.Name = c.Active
	}
	return &p, nil
}

// Validate checks that all config values are usable.
func (c *Config) Validate() error {
	for key, p := range c.Servers {
		if p.Host == "" {
			return fmt.Errorf("server %q: host must be set", key)
		}
		if p.RCONPort < 1 || p.RCONPort > 65535 {
			return fmt.Errorf("server %q: invalid rcon port %d: must be 1-65535", key, p.RCONPort)
		}
		if p.BridgePath == "" {
			return fmt.Errorf("server %q: bridge_path must be set", key)
		}
	}
	if c.RCON.HealthFailureThreshold < 1 {
		return fmt.Errorf("invalid health failure threshold %d: must be >= 1", c.RCON.HealthFailureThreshold)
	}
	if c.Bridge.FailureThreshold < 1 {
		return fmt.Errorf("invalid bridge failure threshold %d: must be >= 1", c.Bridge.FailureThreshold)
	}
	if c.Bridge.CommandTimeout <= 0 {
		return fmt.Errorf("invalid bridge command timeout %s: must be positive", c.Bridge.CommandTimeout)
	}
	if len(c.Restart.ReconnectSchedule) == 0 {
		return fmt.Errorf("restart reconnect schedule must not be empty")
	}
	return nil
}
