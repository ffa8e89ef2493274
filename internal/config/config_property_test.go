//go:build property
// +build property

package config

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func validBase() *Config {
	return &Config{
		Root: "/proj",
		Mode: ModeDevelopment,
		Server: ServerConfig{
			Port: 5173,
			Host: "localhost",
		},
		Build: BuildConfig{
			OutDir:  "dist",
			Workers: 4,
		},
	}
}

// TestConfigurationProperties tests configuration validation properties
func TestConfigurationProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("valid ports and hosts pass", prop.ForAll(
		func(port int, host string) bool {
			cfg := validBase()
			cfg.Server.Port = port
			cfg.Server.Host = host
			return validateConfig(cfg) == nil
		},
		gen.IntRange(0, 65535),
		gen.RegexMatch(`^[a-zA-Z0-9.-]+$`),
	))

	properties.Property("out of range ports fail", prop.ForAll(
		func(port int) bool {
			cfg := validBase()
			cfg.Server.Port = port
			return validateConfig(cfg) != nil
		},
		gen.OneGenOf(gen.IntRange(-10000, -1), gen.IntRange(65536, 100000)),
	))

	properties.Property("out_dir with parent segment is rejected", prop.ForAll(
		func(prefix, suffix string) bool {
			cfg := validBase()
			cfg.Build.OutDir = strings.Trim(prefix+"/../"+suffix, "/")
			if !strings.Contains(cfg.Build.OutDir, "..") {
				return true
			}
			err := validateConfig(cfg)
			// filepath.Clean may fold "a/../b" into "b"; only escapes must fail.
			if strings.HasPrefix(cfg.Build.OutDir, "../") || cfg.Build.OutDir == ".." {
				return err != nil
			}
			return true
		},
		gen.RegexMatch(`^(\.\.|[a-z]{0,4})$`),
		gen.RegexMatch(`^[a-z]{1,6}$`),
	))

	properties.Property("path validation is deterministic", prop.ForAll(
		func(path string) bool {
			a := validatePath(path)
			b := validatePath(path)
			return (a == nil) == (b == nil)
		},
		gen.OneConstOf("./src", "../src", "/etc/passwd", "src", ".", "", "a;b"),
	))

	properties.TestingRun(t)
}
