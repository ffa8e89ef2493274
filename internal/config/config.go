// Package config provides configuration management for kiln using Viper
// for loading from files, environment variables, and command-line flags.
//
// The configuration system supports YAML files (.kiln.yml), environment
// variable overrides with the KILN_ prefix, and validation. It covers the
// project root and mode, resolution (alias, conditions, extensions), the
// plugin list, the dev server, the production build, logging and telemetry.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// Modes understood by plugins through Context.Mode().
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

type Config struct {
	Root      string            `mapstructure:"root"`
	Mode      string            `mapstructure:"mode"`
	Base      string            `mapstructure:"base"`
	SSR       bool              `mapstructure:"ssr"`
	Alias     []AliasEntry      `mapstructure:"alias"`
	Define    map[string]string `mapstructure:"-"`
	Resolve   ResolveConfig     `mapstructure:"resolve"`
	Plugins   PluginsConfig     `mapstructure:"plugins"`
	Server    ServerConfig      `mapstructure:"server"`
	Build     BuildConfig       `mapstructure:"build"`
	Cache     CacheConfig       `mapstructure:"cache"`
	Log       LogConfig         `mapstructure:"log"`
	Telemetry TelemetryConfig   `mapstructure:"telemetry"`

	// ConfigFile is the file the config was read from, if any. Changes to it
	// force a full reload.
	ConfigFile string `mapstructure:"-"`
}

// AliasEntry rewrites specifiers that equal Find or start with Find + "/".
type AliasEntry struct {
	Find        string `mapstructure:"find"`
	Replacement string `mapstructure:"replacement"`
}

type ResolveConfig struct {
	Conditions       []string `mapstructure:"conditions"`
	Extensions       []string `mapstructure:"extensions"`
	MainFields       []string `mapstructure:"main_fields"`
	PreserveSymlinks bool     `mapstructure:"preserve_symlinks"`
}

type PluginsConfig struct {
	Enabled  []string `mapstructure:"enabled"`
	Disabled []string `mapstructure:"disabled"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Host           string   `mapstructure:"host"`
	HMR            bool     `mapstructure:"hmr"`
	Warmup         []string `mapstructure:"warmup"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	Ignore         []string `mapstructure:"ignore"`
}

type BuildConfig struct {
	OutDir         string   `mapstructure:"out_dir"`
	Entries        []string `mapstructure:"entries"`
	Workers        int      `mapstructure:"workers"`
	TolerateErrors bool     `mapstructure:"tolerate_errors"`
	Minify         bool     `mapstructure:"minify"`
	Sourcemap      bool     `mapstructure:"sourcemap"`
	Target         string   `mapstructure:"target"`
	// AssetsInlineLimit is the size in bytes below which imported assets
	// are inlined as data URLs. Zero disables inlining.
	AssetsInlineLimit int `mapstructure:"assets_inline_limit"`
}

type CacheConfig struct {
	TransformEntries int   `mapstructure:"transform_entries"`
	TransformBytes   int64 `mapstructure:"transform_bytes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Metrics      bool   `mapstructure:"metrics"`
}

// SetDefaults registers defaults on v. Explicit values from files, env or
// flags take precedence.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("root", ".")
	v.SetDefault("mode", ModeDevelopment)
	v.SetDefault("base", "/")
	v.SetDefault("ssr", false)
	v.SetDefault("resolve.extensions", []string{".mjs", ".js", ".mts", ".ts", ".jsx", ".tsx", ".json"})
	v.SetDefault("resolve.main_fields", []string{"browser", "module", "jsnext:main", "jsnext"})
	v.SetDefault("server.port", 5173)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.hmr", true)
	v.SetDefault("server.ignore", []string{"node_modules", ".git", "dist"})
	v.SetDefault("build.out_dir", "dist")
	v.SetDefault("build.workers", 8)
	v.SetDefault("build.tolerate_errors", false)
	v.SetDefault("build.minify", true)
	v.SetDefault("build.sourcemap", false)
	v.SetDefault("build.target", "es2020")
	v.SetDefault("build.assets_inline_limit", 4096)
	v.SetDefault("cache.transform_entries", 2048)
	v.SetDefault("cache.transform_bytes", 64<<20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "kiln")
	v.SetDefault("telemetry.metrics", true)
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v, applies defaults and validates it.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Slices set through env or flags arrive as strings.
	if v.IsSet("build.entries") && len(config.Build.Entries) == 0 {
		config.Build.Entries = v.GetStringSlice("build.entries")
	}
	if v.IsSet("server.warmup") && len(config.Server.Warmup) == 0 {
		config.Server.Warmup = v.GetStringSlice("server.warmup")
	}
	if v.IsSet("resolve.conditions") && len(config.Resolve.Conditions) == 0 {
		config.Resolve.Conditions = v.GetStringSlice("resolve.conditions")
	}

	config.ConfigFile = v.ConfigFileUsed()
	if config.ConfigFile != "" {
		defines, err := readDefines(config.ConfigFile)
		if err != nil {
			return nil, kerrors.WrapConfig(err, kerrors.ErrCodeConfigInvalid, "invalid configuration: define")
		}
		config.Define = defines
	}
	if config.Define == nil && v.IsSet("define") {
		config.Define = v.GetStringMapString("define")
	}
	if config.Define == nil {
		config.Define = make(map[string]string)
	}

	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: root: %w", err)
	}
	config.Root = root

	if config.Base == "" {
		config.Base = "/"
	}
	if !strings.HasSuffix(config.Base, "/") {
		config.Base += "/"
	}

	if err := validateConfig(&config); err != nil {
		return nil, kerrors.WrapConfig(err, kerrors.ErrCodeConfigInvalid, "invalid configuration")
	}

	return &config, nil
}

// readDefines returns the define table of a YAML or JSON config file with
// its keys as written. Viper folds keys to lower case, which would turn
// __APP_VERSION__ into an identifier no module uses. Nil means the file has
// no define section or is in another format.
func readDefines(file string) (map[string]string, error) {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yml", ".yaml", ".json":
	default:
		return nil, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Define map[string]string `yaml:"define"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw.Define, nil
}

// IsProduction reports whether the config targets a production build.
func (c *Config) IsProduction() bool {
	return c.Mode == ModeProduction
}

// OutDir returns the absolute build output directory.
func (c *Config) OutDir() string {
	if filepath.IsAbs(c.Build.OutDir) {
		return c.Build.OutDir
	}
	return filepath.Join(c.Root, c.Build.OutDir)
}

// Addr returns the host:port the dev server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if config.Root == "" {
		return fmt.Errorf("root must not be empty")
	}

	switch config.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		return fmt.Errorf("unknown mode %q", config.Mode)
	}

	for i, a := range config.Alias {
		if a.Find == "" {
			return fmt.Errorf("alias[%d]: find must not be empty", i)
		}
	}

	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateBuildConfig(&config.Build); err != nil {
		return fmt.Errorf("build config: %w", err)
	}

	if err := validatePluginsConfig(&config.Plugins); err != nil {
		return fmt.Errorf("plugins config: %w", err)
	}

	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Allow 0 for system-assigned ports in testing
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				return fmt.Errorf("host contains dangerous character: %s", char)
			}
		}
	}

	for _, pattern := range config.Warmup {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid warmup pattern %q: %w", pattern, err)
		}
	}

	return nil
}

// validateBuildConfig validates build configuration values
func validateBuildConfig(config *BuildConfig) error {
	if config.OutDir == "" {
		return fmt.Errorf("out_dir must not be empty")
	}

	if err := validatePath(config.OutDir); err != nil {
		return fmt.Errorf("out_dir: %w", err)
	}


	if config.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", config.Workers)
	}

	if config.AssetsInlineLimit < 0 {
		return fmt.Errorf("assets_inline_limit must not be negative, got %d", config.AssetsInlineLimit)
	}

	for _, entry := range config.Entries {
		if err := validatePath(entry); err != nil {
			return fmt.Errorf("invalid entry '%s': %w", entry, err)
		}
	}

	return nil
}

// validatePath validates a file path for security
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)

	for _, part := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if part == ".." {
			return kerrors.ErrPathTraversal(path)
		}
	}

	if strings.ContainsAny(cleanPath, ";&|$`()<>\"'") {
		return kerrors.ErrInvalidPath(path)
	}

	return nil
}

// BindEnv makes KILN_SERVER_PORT style variables override file values.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}
