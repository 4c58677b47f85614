package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "execd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "execd", cfg.App.Name)
	assert.Equal(t, "docker", cfg.Executor.Runtime)
	assert.Equal(t, 10, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 300*time.Second, cfg.Executor.DefaultTimeout)
	assert.Equal(t, 5*time.Second, cfg.Proxy.ForwardTimeout)
	assert.Equal(t, 2*time.Second, cfg.Proxy.HealthTimeout)
	assert.Equal(t, "0 */10 * * * *", cfg.Janitor.Schedule)
	assert.Empty(t, cfg.Services)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
executor:
  id: exec-a
  runtime: process
  max_concurrent: 3
  default_timeout: 45s
proxy:
  advertise_url: http://10.0.0.5:9000
  rate_limit: 5
services:
  catalog:
    url: http://catalog:8080
    health_path: /healthz
operations:
  analyze:
    image: analysis:latest
    command: ["/bin/analyze", "--fast"]
    services: [catalog]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "exec-a", cfg.Executor.ID)
	assert.Equal(t, "process", cfg.Executor.Runtime)
	assert.Equal(t, 3, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 45*time.Second, cfg.Executor.DefaultTimeout)
	assert.Equal(t, "http://10.0.0.5:9000", cfg.Proxy.AdvertiseURL)
	assert.Equal(t, 5.0, cfg.Proxy.RateLimit)
	assert.Equal(t, 40, cfg.Proxy.Burst, "unset keys keep their defaults")

	require.Contains(t, cfg.Services, "catalog")
	assert.Equal(t, ServiceConfig{URL: "http://catalog:8080", HealthPath: "/healthz"}, cfg.Services["catalog"])

	require.Contains(t, cfg.Operations, "analyze")
	op := cfg.Operations["analyze"]
	assert.Equal(t, "analysis:latest", op.Image)
	assert.Equal(t, []string{"/bin/analyze", "--fast"}, op.Command)
	assert.Equal(t, []string{"catalog"}, op.Services)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	path := writeConfig(t, "executor:\n  max_concurrent: 3\n")
	t.Setenv("EXECD_EXECUTOR_MAX_CONCURRENT", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Executor.MaxConcurrent)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Executor: ExecutorConfig{Runtime: "docker", MaxConcurrent: 1, DefaultTimeout: time.Second},
			Proxy:    ProxyConfig{ForwardTimeout: time.Second, HealthTimeout: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero concurrency", mutate: func(c *Config) { c.Executor.MaxConcurrent = 0 }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Executor.DefaultTimeout = 0 }, wantErr: true},
		{name: "unbounded forward", mutate: func(c *Config) { c.Proxy.ForwardTimeout = 0 }, wantErr: true},
		{name: "unbounded health", mutate: func(c *Config) { c.Proxy.HealthTimeout = 0 }, wantErr: true},
		{name: "unknown runtime", mutate: func(c *Config) { c.Executor.Runtime = "vm" }, wantErr: true},
		{name: "internal default bridge", mutate: func(c *Config) {
			c.Docker = DockerConfig{Network: "bridge", InternalNetwork: true}
		}, wantErr: true},
		{name: "internal dedicated network", mutate: func(c *Config) {
			c.Docker = DockerConfig{Network: "execd-workers", InternalNetwork: true}
		}},
		{name: "service without url", mutate: func(c *Config) {
			c.Services = map[string]ServiceConfig{"catalog": {}}
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
