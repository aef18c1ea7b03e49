package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
listen:
  postgres_port: 6432
  api_port: 8080

cluster:
  mode: replica
  database: appdb
  backends:
    - host: primary.internal
      port: 5432
      role: primary
    - host: standby1.internal
      port: 5432
      role: standby

defaults:
  min_connections: 2
  max_connections: 20
  idle_timeout: 5m
  max_lifetime: 30m
  acquire_timeout: 10s
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.PostgresPort != 6432 {
		t.Errorf("expected postgres port 6432, got %d", cfg.Listen.PostgresPort)
	}
	if cfg.Defaults.MaxConnections != 20 {
		t.Errorf("expected max connections 20, got %d", cfg.Defaults.MaxConnections)
	}
	if cfg.Defaults.IdleTimeout != 5*time.Minute {
		t.Errorf("expected idle timeout 5m, got %v", cfg.Defaults.IdleTimeout)
	}
	if cfg.Cluster.Mode != ModeReplica {
		t.Errorf("expected replica mode, got %s", cfg.Cluster.Mode)
	}
	if len(cfg.Cluster.Backends) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(cfg.Cluster.Backends))
	}
	if cfg.Cluster.Backends[0].Role != RolePrimary {
		t.Errorf("expected first backend to be primary, got %s", cfg.Cluster.Backends[0].Role)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
cluster:
  backends:
    - host: localhost
      port: 5432
      role: primary
auth:
  password_encryption_key: ${TEST_DB_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.PasswordEncryptionKey != "secret123" {
		t.Errorf("expected password_encryption_key secret123, got %s", cfg.Auth.PasswordEncryptionKey)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "no backends",
			yaml: `
cluster:
  backends: []
`,
		},
		{
			name: "missing host",
			yaml: `
cluster:
  backends:
    - port: 5432
`,
		},
		{
			name: "missing port",
			yaml: `
cluster:
  backends:
    - host: localhost
`,
		},
		{
			name: "invalid mode",
			yaml: `
cluster:
  mode: bogus
  backends:
    - host: localhost
      port: 5432
`,
		},
		{
			name: "two primaries in replica mode",
			yaml: `
cluster:
  mode: replica
  backends:
    - host: a
      port: 5432
      role: primary
    - host: b
      port: 5432
      role: primary
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yaml := `
cluster:
  backends:
    - host: localhost
      port: 5432
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.PostgresPort != 5433 {
		t.Errorf("expected default postgres port 5433, got %d", cfg.Listen.PostgresPort)
	}
	if cfg.Listen.APIPort != 8080 {
		t.Errorf("expected default api port 8080, got %d", cfg.Listen.APIPort)
	}
	if cfg.Defaults.MinConnections != 1 {
		t.Errorf("expected default min connections 1, got %d", cfg.Defaults.MinConnections)
	}
	if cfg.Cluster.Mode != ModeRaw {
		t.Errorf("expected default mode raw, got %s", cfg.Cluster.Mode)
	}
	if cfg.Cache.BlockSize != 8192 {
		t.Errorf("expected default block size 8192, got %d", cfg.Cache.BlockSize)
	}
}

func TestDialTimeoutDefault(t *testing.T) {
	yaml := `
cluster:
  backends:
    - host: localhost
      port: 5432
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Defaults.DialTimeout != 5*time.Second {
		t.Errorf("expected default dial timeout 5s, got %v", cfg.Defaults.DialTimeout)
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
