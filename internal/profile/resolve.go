package profile

import (
	"os"

	"github.com/matheus3301/tgmirror/internal/config"
)

const DefaultName = "main"

// Resolve determines the active profile name using precedence:
// 1. flagOverride (-profile flag)
// 2. config.toml default_profile
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}

// LoadConfig returns the effective configuration for a profile: an
// explicit path wins, then the profile's config.toml, then the global one.
// Missing files fall back to the defaults.
func LoadConfig(name, explicit string) (*config.Config, error) {
	if explicit != "" {
		return config.Load(explicit)
	}
	if _, err := os.Stat(ConfigPathFor(name)); err == nil {
		return config.Load(ConfigPathFor(name))
	}
	return config.LoadOrDefault(ConfigPath())
}
