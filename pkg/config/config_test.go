package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stackdeploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
remote:
  host: deploy.example.com
  user: ci
  key_path: ~/.ssh/id_ed25519
  stacks_dir: /srv/stacks
retry:
  max_attempts: 5
  initial_delay: 500ms
timeouts:
  up: 8m
deploy:
  parallelism: 4
  critical: [db, traefik]
secrets:
  DB_PASSWORD: env:CI_DB_PASSWORD
`)

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "deploy.example.com", cfg.Remote.Host)
	assert.Equal(t, 22, cfg.Remote.Port)
	assert.Equal(t, "/srv/stacks", cfg.Remote.StacksDir)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 8*time.Minute, cfg.Timeouts.Up)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Pull)
	assert.Equal(t, 4, cfg.Deploy.Parallelism)
	assert.Equal(t, []string{"db", "traefik"}, cfg.Deploy.Critical)
	assert.Equal(t, "env:CI_DB_PASSWORD", cfg.Secrets["DB_PASSWORD"])
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "remote:\n  host: from-file\n")
	t.Setenv("STACKDEPLOY_REMOTE_HOST", "from-env")
	t.Setenv("STACKDEPLOY_DEPLOY_PARALLELISM", "2")
	t.Setenv("STACKDEPLOY_TIMEOUTS_HEALTH", "90s")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Remote.Host)
	assert.Equal(t, 2, cfg.Deploy.Parallelism)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.Health)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad files mode", func(c *Config) { c.Remote.Files = "ftp" }, "remote.files"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"negative parallelism", func(c *Config) { c.Deploy.Parallelism = -1 }, "parallelism"},
		{"definition path", func(c *Config) { c.Deploy.DefinitionFile = "x/compose.yml" }, "definition_file"},
		{"bad critical name", func(c *Config) { c.Deploy.Critical = []string{"../db"} }, "deploy.critical"},
		{"zero timeout", func(c *Config) { c.Timeouts.Pull = 0 }, "timeouts.pull"},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRemoteContext(t *testing.T) {
	cfg := Default()
	cfg.Remote.Host = "deploy.example.com"
	cfg.Remote.User = "ci"
	cfg.Remote.PasswordEnv = "TEST_STACKDEPLOY_SSH_PASSWORD"
	t.Setenv("TEST_STACKDEPLOY_SSH_PASSWORD", "hunter2")

	rc, err := cfg.RemoteContext(map[string]string{"DB_PASSWORD": "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "hunter2", rc.Password)
	assert.Equal(t, "deploy.example.com:22", rc.Address())
	assert.Equal(t, "s3cret", rc.Secrets["DB_PASSWORD"])
}

func TestRemoteContextRequiresHost(t *testing.T) {
	_, err := Default().RemoteContext(nil)
	assert.Error(t, err)
}
