package config

import (
	"fmt"
	"slices"
)

// PluginEnabled reports whether the named built-in plugin should be
// installed. Disabled wins over Enabled; an empty Enabled list means all.
func (c *Config) PluginEnabled(name string) bool {
	if slices.Contains(c.Plugins.Disabled, name) {
		return false
	}
	if len(c.Plugins.Enabled) == 0 {
		return true
	}
	return slices.Contains(c.Plugins.Enabled, name)
}

// validatePluginsConfig validates plugins configuration values
func validatePluginsConfig(config *PluginsConfig) error {
	allPluginNames := append(slices.Clone(config.Enabled), config.Disabled...)
	for _, name := range allPluginNames {
		if name == "" {
			return fmt.Errorf("plugin name cannot be empty")
		}

		// Plugin names should be alphanumeric with dashes/underscores/colons
		for _, char := range name {
			if !((char >= 'a' && char <= 'z') ||
				(char >= 'A' && char <= 'Z') ||
				(char >= '0' && char <= '9') ||
				char == '-' || char == '_' || char == ':') {
				return fmt.Errorf("plugin name contains invalid character: %s", name)
			}
		}
	}

	for _, name := range config.Disabled {
		if slices.Contains(config.Enabled, name) {
			return fmt.Errorf("plugin %s cannot be both enabled and disabled", name)
		}
	}

	return nil
}
