package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadYAML(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	file := filepath.Join(t.TempDir(), "kiln.yml")
	require.NoError(t, os.WriteFile(file, []byte(doc), 0o644))
	v := viper.New()
	v.SetConfigFile(file)
	require.NoError(t, v.ReadInConfig())
	return LoadFrom(v)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.Root))
	assert.Equal(t, ModeDevelopment, cfg.Mode)
	assert.Equal(t, "/", cfg.Base)
	assert.Equal(t, 5173, cfg.Server.Port)
	assert.True(t, cfg.Server.HMR)
	assert.Equal(t, "dist", cfg.Build.OutDir)
	assert.Equal(t, 8, cfg.Build.Workers)
	assert.False(t, cfg.Build.TolerateErrors)
	assert.Equal(t, 4096, cfg.Build.AssetsInlineLimit)
	assert.Contains(t, cfg.Resolve.Extensions, ".ts")
	assert.NotNil(t, cfg.Define)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromYAML(t *testing.T) {
	cfg, err := loadYAML(t, `
root: /tmp/app
mode: production
base: /static
alias:
  - find: "@"
    replacement: /tmp/app/src
define:
  __APP_VERSION__: '"1.2.3"'
resolve:
  conditions: [worker]
server:
  port: 3000
  warmup: ["src/**/*.ts"]
build:
  entries: [src/main.ts]
  tolerate_errors: true
  workers: 2
plugins:
  disabled: [kiln:define]
`)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/app", cfg.Root)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "/static/", cfg.Base)
	require.Len(t, cfg.Alias, 1)
	assert.Equal(t, AliasEntry{Find: "@", Replacement: "/tmp/app/src"}, cfg.Alias[0])
	assert.Equal(t, `"1.2.3"`, cfg.Define["__APP_VERSION__"])
	assert.Equal(t, []string{"worker"}, cfg.Resolve.Conditions)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, []string{"src/**/*.ts"}, cfg.Server.Warmup)
	assert.Equal(t, []string{"src/main.ts"}, cfg.Build.Entries)
	assert.True(t, cfg.Build.TolerateErrors)
	assert.Equal(t, "/tmp/app/dist", cfg.OutDir())
	assert.False(t, cfg.PluginEnabled("kiln:define"))
	assert.True(t, cfg.PluginEnabled("kiln:json"))
}

func TestDefineKeysKeepTheirCase(t *testing.T) {
	cfg, err := loadYAML(t, `
define:
  __APP_VERSION__: '"1.2.3"'
  import.meta.env.API_URL: '"https://api.test"'
  featureFlag: "true"
`)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"__APP_VERSION__":         `"1.2.3"`,
		"import.meta.env.API_URL": `"https://api.test"`,
		"featureFlag":             "true",
	}, cfg.Define)
}

func TestAbsoluteOutDir(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "public", "assets")
	cfg, err := loadYAML(t, "build:\n  out_dir: "+outDir+"\n")
	require.NoError(t, err)
	assert.Equal(t, outDir, cfg.OutDir())

	cfg, err = loadYAML(t, "root: /srv/app\nbuild:\n  out_dir: dist\n")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/app", "dist"), cfg.OutDir())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KILN_SERVER_PORT", "4000")
	t.Setenv("KILN_BUILD_TOLERATE_ERRORS", "true")

	v := viper.New()
	BindEnv(v)
	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.True(t, cfg.Build.TolerateErrors)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad port", "server:\n  port: 70000\n", "port"},
		{"unknown mode", "mode: staging\n", "unknown mode"},
		{"out dir traversal", "build:\n  out_dir: ../escape\n", "traversal"},
		{"zero workers", "build:\n  workers: 0\n", "workers"},
		{"negative inline limit", "build:\n  assets_inline_limit: -1\n", "assets_inline_limit"},
		{"empty alias", "alias:\n  - replacement: /x\n", "alias"},
		{"dangerous host", "server:\n  host: \"a;b\"\n", "dangerous"},
		{"plugin conflict", "plugins:\n  enabled: [a]\n  disabled: [a]\n", "both enabled and disabled"},
		{"bad plugin name", "plugins:\n  enabled: [\"a b\"]\n", "invalid character"},
		{"bad warmup", "server:\n  warmup: [\"[\"]\n", "warmup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadYAML(t, tt.doc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPluginEnabledAllowList(t *testing.T) {
	cfg := &Config{Plugins: PluginsConfig{Enabled: []string{"kiln:css"}}}

	assert.True(t, cfg.PluginEnabled("kiln:css"))
	assert.False(t, cfg.PluginEnabled("kiln:json"))
}

func TestAddr(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "0.0.0.0", Port: 8080}}
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}
