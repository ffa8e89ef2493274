package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/version"
)

func project(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"index.html":  `<html><head></head><body><script type="module" src="/src/main.ts"></script></body></html>`,
		"src/main.ts": "import { value } from './dep'\nconsole.log(value)\n",
		"src/dep.ts":  "export const value: number = 42\n",
	}
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

// resetFlags puts every flag of cmd and its subcommands back to its default
// so one Execute does not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// resetViper drops every value a previous command loaded and binds the
// flags again.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	for key, f := range boundFlags {
		require.NoError(t, viper.BindPFlag(key, f))
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	resetViper(t)
	cfgFile, cfgErr = "", nil
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version", "--format", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "kiln ")

	out, err = execute(t, "version", "--format", "json")
	require.NoError(t, err)
	var info version.BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info.GoVersion)

	_, err = execute(t, "version", "--format", "xml")
	assert.Error(t, err)
}

func TestGraphCommand(t *testing.T) {
	root := project(t)

	out, err := execute(t, "graph", "--root", root, "--log-level", "error", "--format", "json")
	require.NoError(t, err)

	var nodes []modgraph.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	urls := map[string]bool{}
	for _, n := range nodes {
		urls[n.URL] = true
	}
	assert.True(t, urls["/src/main.ts"])
	assert.True(t, urls["/src/dep.ts"])

	out, err = execute(t, "graph", "/src/dep.ts", "--root", root, "--log-level", "error", "--format", "yaml")
	require.NoError(t, err)
	nodes = nil
	require.NoError(t, yaml.Unmarshal([]byte(out), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "/src/dep.ts", nodes[0].URL)
}

func TestGraphCommandRejectsFormat(t *testing.T) {
	_, err := execute(t, "graph", "--root", project(t), "--format", "toml")
	assert.Error(t, err)
}

func TestBuildCommand(t *testing.T) {
	root := project(t)
	outDir := filepath.Join(t.TempDir(), "out")

	out, err := execute(t, "build", "--root", root, "--out-dir", outDir, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "2 modules transformed, 0 failed")
	assert.Contains(t, out, "/src/main.ts")

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestBuildCommandWithoutEntries(t *testing.T) {
	root := t.TempDir()
	_, err := execute(t, "build", "--root", root, "--out-dir", filepath.Join(root, "dist"), "--log-level", "error")
	assert.Error(t, err)
}

func TestConfigCommand(t *testing.T) {
	root := project(t)

	out, err := execute(t, "config", "--root", root, "--format", "json")
	require.NoError(t, err)
	var settings map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &settings))
	assert.Equal(t, root, settings["root"])
	assert.Equal(t, "/", settings["base"])
}

func TestConfigCommandAfterBuild(t *testing.T) {
	root := project(t)
	outDir := filepath.Join(t.TempDir(), "nested", "out")

	_, err := execute(t, "build", "--root", root, "--out-dir", outDir, "--log-level", "error")
	require.NoError(t, err)

	out, err := execute(t, "config", "--root", root, "--format", "json")
	require.NoError(t, err)
	var settings map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &settings))
	build, ok := settings["build"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "dist", build["out_dir"])
}

func TestConfigCommandKeepsDefineCase(t *testing.T) {
	root := project(t)
	file := filepath.Join(root, "kiln.yml")
	require.NoError(t, os.WriteFile(file, []byte("define:\n  __APP_VERSION__: '\"1.0.0\"'\n"), 0o644))

	out, err := execute(t, "config", "--config", file, "--root", root, "--format", "json")
	require.NoError(t, err)
	var settings map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &settings))
	assert.Equal(t, map[string]interface{}{"__APP_VERSION__": `"1.0.0"`}, settings["define"])
}

func TestReadConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "kiln.yml")
	require.NoError(t, os.WriteFile(file, []byte("root: "+dir+"\nserver:\n  port: 3000\n"), 0o644))

	v := viper.New()
	require.NoError(t, readConfigFile(v, file))
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, file, cfg.ConfigFile)

	assert.Error(t, readConfigFile(viper.New(), filepath.Join(dir, "missing.yml")))
}

func TestReadConfigFileDefaultIsOptional(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("KILN_CONFIG_FILE", "")
	assert.NoError(t, readConfigFile(viper.New(), ""))
}

func TestOriginPatterns(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{Port: 4000, AllowedOrigins: []string{"https://app.test"}}}
	assert.Equal(t, []string{"localhost:4000", "127.0.0.1:4000", "https://app.test"}, originPatterns(cfg))
}
