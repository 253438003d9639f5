// Package config loads stackdeploy settings from a YAML file, STACKDEPLOY_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/stackdeploy/pkg/compose"
	"github.com/cuemby/stackdeploy/pkg/log"
	"github.com/cuemby/stackdeploy/pkg/remote"
	"github.com/cuemby/stackdeploy/pkg/types"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. STACKDEPLOY_REMOTE_HOST
const EnvPrefix = "STACKDEPLOY"

// Remote locates the deployment host
type Remote struct {
	Host                  string `mapstructure:"host" yaml:"host"`
	Port                  int    `mapstructure:"port" yaml:"port"`
	User                  string `mapstructure:"user" yaml:"user"`
	KeyPath               string `mapstructure:"key_path" yaml:"key_path"`
	PasswordEnv           string `mapstructure:"password_env" yaml:"password_env"`
	KnownHosts            string `mapstructure:"known_hosts" yaml:"known_hosts"`
	InsecureIgnoreHostKey bool   `mapstructure:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key"`
	StacksDir             string `mapstructure:"stacks_dir" yaml:"stacks_dir"`

	// Files selects how existence checks and listings run: "sftp" or "shell"
	Files string `mapstructure:"files" yaml:"files"`
}

// Retry configures the connection retry executor
type Retry struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// Deploy holds fleet settings
type Deploy struct {
	DefinitionFile string   `mapstructure:"definition_file" yaml:"definition_file"`
	Parallelism    int      `mapstructure:"parallelism" yaml:"parallelism"`
	Critical       []string `mapstructure:"critical" yaml:"critical"`
	RemoveVolumes  bool     `mapstructure:"remove_volumes" yaml:"remove_volumes"`

	// LogDir keeps per-stack logs and exit codes on disk when set
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`
}

// Log configures the global logger
type Log struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// Metrics configures the textfile export
type Metrics struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// History configures the run history database
type History struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Config is the complete stackdeploy configuration
type Config struct {
	Remote   Remote          `mapstructure:"remote" yaml:"remote"`
	Retry    Retry           `mapstructure:"retry" yaml:"retry"`
	Timeouts remote.Timeouts `mapstructure:"timeouts" yaml:"timeouts"`
	Deploy   Deploy          `mapstructure:"deploy" yaml:"deploy"`

	// Secrets maps an environment variable exported to remote commands to
	// the reference its value is resolved from
	Secrets map[string]string `mapstructure:"secrets" yaml:"secrets"`

	Log     Log     `mapstructure:"log" yaml:"log"`
	Metrics Metrics `mapstructure:"metrics" yaml:"metrics"`
	History History `mapstructure:"history" yaml:"history"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Remote: Remote{
			Port:      22,
			StacksDir: "/opt/stacks",
			Files:     "sftp",
		},
		Retry: Retry{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
		},
		Timeouts: remote.DefaultTimeouts(),
		Deploy: Deploy{
			DefinitionFile: compose.DefaultDefinitionFile,
			Parallelism:    0,
		},
		Secrets: map[string]string{},
		Log:     Log{Level: string(log.InfoLevel)},
		History: History{Path: ".stackdeploy/history.db"},
	}
}

// SetDefaults registers every default with v so environment variables can
// override keys that appear in no config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("remote.host", d.Remote.Host)
	v.SetDefault("remote.port", d.Remote.Port)
	v.SetDefault("remote.user", d.Remote.User)
	v.SetDefault("remote.key_path", d.Remote.KeyPath)
	v.SetDefault("remote.password_env", d.Remote.PasswordEnv)
	v.SetDefault("remote.known_hosts", d.Remote.KnownHosts)
	v.SetDefault("remote.insecure_ignore_host_key", d.Remote.InsecureIgnoreHostKey)
	v.SetDefault("remote.stacks_dir", d.Remote.StacksDir)
	v.SetDefault("remote.files", d.Remote.Files)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)

	v.SetDefault("timeouts.connect", d.Timeouts.Connect)
	v.SetDefault("timeouts.fetch", d.Timeouts.Fetch)
	v.SetDefault("timeouts.checkout", d.Timeouts.Checkout)
	v.SetDefault("timeouts.validate", d.Timeouts.Validate)
	v.SetDefault("timeouts.pull", d.Timeouts.Pull)
	v.SetDefault("timeouts.up", d.Timeouts.Up)
	v.SetDefault("timeouts.cleanup", d.Timeouts.Cleanup)
	v.SetDefault("timeouts.health", d.Timeouts.Health)

	v.SetDefault("deploy.definition_file", d.Deploy.DefinitionFile)
	v.SetDefault("deploy.parallelism", d.Deploy.Parallelism)
	v.SetDefault("deploy.critical", d.Deploy.Critical)
	v.SetDefault("deploy.remove_volumes", d.Deploy.RemoveVolumes)
	v.SetDefault("deploy.log_dir", d.Deploy.LogDir)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("metrics.textfile", d.Metrics.Textfile)
	v.SetDefault("history.path", d.History.Path)
}

// Load reads the config file (if set on v), applies environment overrides
// and validates the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("stackdeploy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would fail later in less obvious ways
func (c *Config) Validate() error {
	var errs []error
	if c.Remote.Files != "sftp" && c.Remote.Files != "shell" {
		errs = append(errs, fmt.Errorf("remote.files must be sftp or shell, got %q", c.Remote.Files))
	}
	if c.Remote.StacksDir == "" {
		errs = append(errs, errors.New("remote.stacks_dir is required"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.Deploy.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("deploy.parallelism must not be negative, got %d", c.Deploy.Parallelism))
	}
	if c.Deploy.DefinitionFile == "" || strings.Contains(c.Deploy.DefinitionFile, "/") {
		errs = append(errs, fmt.Errorf("deploy.definition_file must be a plain file name, got %q", c.Deploy.DefinitionFile))
	}
	for _, name := range c.Deploy.Critical {
		if !types.ValidName(name) {
			errs = append(errs, fmt.Errorf("deploy.critical: invalid stack name %q", name))
		}
	}
	for _, step := range []struct {
		name string
		d    time.Duration
	}{
		{"connect", c.Timeouts.Connect},
		{"fetch", c.Timeouts.Fetch},
		{"checkout", c.Timeouts.Checkout},
		{"validate", c.Timeouts.Validate},
		{"pull", c.Timeouts.Pull},
		{"up", c.Timeouts.Up},
		{"cleanup", c.Timeouts.Cleanup},
		{"health", c.Timeouts.Health},
	} {
		if step.d <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be positive", step.name))
		}
	}
	switch log.Level(c.Log.Level) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// RemoteContext builds the remote execution context with already resolved
// secrets. The SSH password, if any, is read from the environment variable
// named by remote.password_env.
func (c *Config) RemoteContext(secrets map[string]string) (*remote.Context, error) {
	rc := &remote.Context{
		Host:                  c.Remote.Host,
		Port:                  c.Remote.Port,
		User:                  c.Remote.User,
		KeyPath:               c.Remote.KeyPath,
		KnownHostsPath:        c.Remote.KnownHosts,
		InsecureIgnoreHostKey: c.Remote.InsecureIgnoreHostKey,
		StacksDir:             c.Remote.StacksDir,
		Timeouts:              c.Timeouts,
		Secrets:               secrets,
	}
	if c.Remote.PasswordEnv != "" {
		pw, err := remote.EnvResolver{}.Resolve(context.Background(), c.Remote.PasswordEnv)
		if err != nil {
			return nil, fmt.Errorf("remote.password_env: %w", err)
		}
		rc.Password = pw
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return rc, nil
}
