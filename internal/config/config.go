// Package config loads the daemon configuration and the multi-level
// permission settings. config.yaml tunes the CLI command and the bridge;
// settings.json carries permission rules that let the coordinator answer
// confirmation requests without prompting. Sources merge lowest to highest:
//  1. ~/.gembridge/config.yaml  (user level)
//  2. ./.gembridge/config.yaml  (project level)
//
// and for settings:
//  1. ~/.gembridge/settings.json
//  2. ./.gembridge/settings.json
//  3. ./.gembridge/settings.local.json
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	CLI    CLIConfig    `yaml:"cli"`
	Bridge BridgeConfig `yaml:"bridge"`
}

// CLIConfig describes how to spawn the agent process.
type CLIConfig struct {
	// Command is the agent binary, resolved on PATH.
	Command string `yaml:"command"`

	// Args are passed on every spawn.
	Args []string `yaml:"args"`

	// Model is the default model when a session names none.
	Model string `yaml:"model"`

	// TitleTimeoutSeconds bounds one-shot title generation runs.
	TitleTimeoutSeconds int `yaml:"titleTimeoutSeconds"`
}

// BridgeConfig tunes the browser-mode WebSocket server.
type BridgeConfig struct {
	// Listen is the bind address, e.g. ":9877".
	Listen string `yaml:"listen"`

	// Path is the fixed WebSocket endpoint path.
	Path string `yaml:"path"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		CLI: CLIConfig{
			Command:             "gemini",
			Args:                []string{"--experimental-acp"},
			TitleTimeoutSeconds: 10,
		},
		Bridge: BridgeConfig{
			Listen: ":9877",
			Path:   "/ws",
		},
	}
}

// LoadConfig loads config.yaml from the user and project levels, later
// sources overriding earlier ones. Missing files are fine; malformed yaml
// is an error.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	var sources []string
	if home, err := os.UserHomeDir(); err == nil {
		sources = append(sources, filepath.Join(home, ".gembridge", "config.yaml"))
	}
	sources = append(sources, filepath.Join(".gembridge", "config.yaml"))

	for _, src := range sources {
		data, err := os.ReadFile(src)
		if err != nil {
			continue
		}
		var overlay Config
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("parse %s: %w", src, err)
		}
		merge(cfg, &overlay)
	}

	return cfg, nil
}

// merge overlays non-zero fields onto the base config.
func merge(base, overlay *Config) {
	if overlay.CLI.Command != "" {
		base.CLI.Command = overlay.CLI.Command
	}
	if overlay.CLI.Args != nil {
		base.CLI.Args = overlay.CLI.Args
	}
	if overlay.CLI.Model != "" {
		base.CLI.Model = overlay.CLI.Model
	}
	if overlay.CLI.TitleTimeoutSeconds > 0 {
		base.CLI.TitleTimeoutSeconds = overlay.CLI.TitleTimeoutSeconds
	}
	if overlay.Bridge.Listen != "" {
		base.Bridge.Listen = overlay.Bridge.Listen
	}
	if overlay.Bridge.Path != "" {
		base.Bridge.Path = overlay.Bridge.Path
	}
}
