// Package config loads the broker's configuration from environment
// variables and an optional config file, via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EngineConfig controls execution admission and defaults.
type EngineConfig struct {
	MaxConcurrentProcesses    int      `mapstructure:"maxConcurrentProcesses"`
	DefaultWorkingDirectory   string   `mapstructure:"defaultWorkingDirectory"`
	AllowedWorkingDirectories []string `mapstructure:"allowedWorkingDirectories"`
	MaxExecutionSeconds       int      `mapstructure:"maxExecutionSeconds"`
	MaxMemoryMB               int      `mapstructure:"maxMemoryMB"`
	EnableNetwork             bool     `mapstructure:"enableNetwork"`
	EnableStreaming           bool     `mapstructure:"enableStreaming"`
	SecurityMode              string   `mapstructure:"securityMode"`
}

// OutputConfig controls where output artifacts live and how they are
// reclaimed.
type OutputConfig struct {
	Root        string `mapstructure:"root"`
	MaxArtifacts int   `mapstructure:"maxArtifacts"`
	RetentionDays int  `mapstructure:"retentionDays"`
}

// DaemonConfig controls the per-workspace socket daemon.
type DaemonConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	RuntimeRoot string `mapstructure:"runtimeRoot"`
	Branch      string `mapstructure:"branch"`
	Entry       string `mapstructure:"entry"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// MCPConfig controls the optional embedded Model Context Protocol server.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Config is the root configuration object.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Output  OutputConfig  `mapstructure:"output"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
	MCP     MCPConfig     `mapstructure:"mcp"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.maxConcurrentProcesses", 10)
	v.SetDefault("engine.defaultWorkingDirectory", ".")
	v.SetDefault("engine.allowedWorkingDirectories", []string{})
	v.SetDefault("engine.maxExecutionSeconds", 3600)
	v.SetDefault("engine.maxMemoryMB", 0)
	v.SetDefault("engine.enableNetwork", true)
	v.SetDefault("engine.enableStreaming", true)
	v.SetDefault("engine.securityMode", "permissive")

	v.SetDefault("output.root", defaultOutputRoot())
	v.SetDefault("output.maxArtifacts", 10000)
	v.SetDefault("output.retentionDays", 7)

	v.SetDefault("daemon.enabled", true)
	v.SetDefault("daemon.runtimeRoot", defaultRuntimeRoot())
	v.SetDefault("daemon.branch", "main")
	v.SetDefault("daemon.entry", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "")

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9190)
}

// Load reads configuration from SHELLBROKER_*-prefixed environment variables
// and an optional ./config.yaml or /etc/shellbroker/config.yaml, in that
// order of increasing precedence for explicit env overrides.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an explicit config file path; pass "" to use
// the default search path.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SHELLBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind the conceptual env vars named in the external interface, which
	// don't follow the SHELLBROKER_<section>_<field> convention.
	bindEnv(v, "engine.defaultWorkingDirectory", "DEFAULT_WORKDIR")
	bindEnv(v, "engine.allowedWorkingDirectories", "ALLOWED_WORKDIRS")
	bindEnv(v, "engine.enableStreaming", "ENABLE_STREAMING")
	bindEnv(v, "engine.securityMode", "SECURITY_MODE")
	bindEnv(v, "engine.maxExecutionSeconds", "MAX_EXECUTION_TIME")
	bindEnv(v, "engine.maxMemoryMB", "MAX_MEMORY_MB")
	bindEnv(v, "engine.enableNetwork", "ENABLE_NETWORK")
	bindEnv(v, "daemon.enabled", "DAEMON_ENABLED")
	bindEnv(v, "daemon.entry", "DAEMON_ENTRY")
	bindEnv(v, "daemon.runtimeRoot", "XDG_RUNTIME_DIR")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/shellbroker/")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if allowed := v.GetString("ALLOWED_WORKDIRS"); allowed != "" && len(cfg.Engine.AllowedWorkingDirectories) == 0 {
		cfg.Engine.AllowedWorkingDirectories = strings.Split(allowed, ",")
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bindEnv(v *viper.Viper, key, envName string) {
	// BindEnv errors only on missing arguments, which never happens here.
	_ = v.BindEnv(key, envName)
}

func validate(cfg *Config) error {
	if cfg.Engine.MaxConcurrentProcesses <= 0 {
		return fmt.Errorf("engine.maxConcurrentProcesses must be positive")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func defaultRuntimeRoot() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, "shellbroker")
	}
	return filepath.Join(os.TempDir(), "shellbroker")
}

func defaultOutputRoot() string {
	return filepath.Join(defaultRuntimeRoot(), "output-store")
}
