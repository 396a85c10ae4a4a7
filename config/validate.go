package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateConfig checks settings that Load cannot default.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}
	if strings.TrimSpace(cfg.GenesisFile) == "" {
		return fmt.Errorf("config: GenesisFile is required")
	}
	if cfg.RelayURL != "" {
		u, err := url.Parse(cfg.RelayURL)
		if err != nil {
			return fmt.Errorf("config: RelayURL: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return fmt.Errorf("config: RelayURL scheme %q not supported", u.Scheme)
		}
	}
	if cfg.Orchestrator.QueueSize < 0 || cfg.Orchestrator.Workers < 0 || cfg.Orchestrator.CacheSize < 0 {
		return fmt.Errorf("orchestrator: sizes must not be negative")
	}
	if cfg.Orchestrator.PeerRate < 0 || cfg.Orchestrator.PeerBurst < 0 {
		return fmt.Errorf("orchestrator: peer rate and burst must not be negative")
	}
	if _, err := cfg.Consensus.EpochConfig(); err != nil {
		return err
	}
	return nil
}
