// Package config loads and hot-reloads the cluster configuration: the
// backend list, routing policy knobs, and cache sizing, per SPEC_FULL.md
// §10. Lifted directly from the teacher's internal/config (env-var
// substitution, fsnotify-based watcher with a debounce timer), generalized
// from per-tenant single-backend configs to one cluster-wide config.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the pooler.
type Config struct {
	Listen   ListenConfig      `yaml:"listen"`
	Cluster  ClusterConfig     `yaml:"cluster"`
	Routing  RoutingConfig     `yaml:"routing"`
	Cache    CacheConfig       `yaml:"cache"`
	Auth     AuthConfig        `yaml:"auth"`
	Health   HealthCheckConfig `yaml:"health"`
	Defaults PoolDefaults      `yaml:"defaults"`
}

// HealthCheckConfig tunes the periodic backend probes that drive slot
// status and replication-delay readings.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	// MonitorDSNTemplate, when set, enables SQL-level probing (role
	// detection and replication delay) via a DSN built as
	// fmt.Sprintf(template, host, port); empty means raw TCP probes only.
	MonitorDSNTemplate string `yaml:"monitor_dsn_template"`
}

// ListenConfig defines the ports and bind addresses the pooler listens on.
type ListenConfig struct {
	PostgresPort int    `yaml:"postgres_port"`
	APIPort      int    `yaml:"api_port"`
	APIBind      string `yaml:"api_bind"`
	APIKey       string `yaml:"api_key"`
	TLSCert      string `yaml:"tls_cert"`
	TLSKey       string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// BackendRole mirrors backend.Role in config-file form ("primary"/"standby").
type BackendRole string

const (
	RolePrimary BackendRole = "primary"
	RoleStandby BackendRole = "standby"
)

// BackendConfig describes one backend slot (spec.md §3 "Backend descriptor").
type BackendConfig struct {
	Host string      `yaml:"host"`
	Port int         `yaml:"port"`
	Role BackendRole `yaml:"role"`
	// Weight biases the load-balance pick toward this backend; defaults to 1.
	Weight int `yaml:"weight"`
}

// ClusterMode mirrors backend.ClusterMode in config-file form.
type ClusterMode string

const (
	ModeRaw     ClusterMode = "raw"
	ModeReplica ClusterMode = "replica"
)

// ClusterConfig describes the backend cluster this pooler fronts. User and
// Password are the pooled-session credentials every backend startup
// handshake uses (pgpool-style cluster-wide credentials, not per-backend).
type ClusterConfig struct {
	Mode     ClusterMode     `yaml:"mode"`
	Database string          `yaml:"database"`
	User     string          `yaml:"user"`
	Password string          `yaml:"password"`
	Backends []BackendConfig `yaml:"backends"`
}

// RoutingConfig holds the router's policy knobs (spec.md §4.6).
type RoutingConfig struct {
	// DelayThreshold is the maximum streaming-replication delay, in bytes,
	// a load-balance target may lag before routing falls back to primary.
	DelayThreshold int64 `yaml:"delay_threshold"`
	// StatementLevelLoadBalance re-picks the load-balance target for every
	// SELECT instead of once per session.
	StatementLevelLoadBalance bool `yaml:"statement_level_load_balance"`
	// PreferLeastDelayed picks the least-delayed replica instead of falling
	// back to the primary when the load-balance target exceeds
	// DelayThreshold.
	PreferLeastDelayed bool `yaml:"prefer_least_delayed"`
	// PrimaryRoutingQueryPatterns are substrings that force PRIMARY routing
	// for an otherwise load-balanceable SELECT.
	PrimaryRoutingQueryPatterns []string `yaml:"primary_routing_query_patterns"`
	// BlackFunctionList marks functions as volatile (never cacheable/load-
	// balanceable) regardless of their catalog-declared volatility.
	BlackFunctionList []string `yaml:"black_function_list"`
	// WhiteFunctionList marks functions as immutable even if the catalog
	// does not declare them so.
	WhiteFunctionList []string `yaml:"white_function_list"`
	// UnsafeTableList names tables the operator has declared unsafe to
	// cache or load-balance reads against.
	UnsafeTableList []string `yaml:"unsafe_table_list"`
	// DMLAdaptive routes a SELECT to primary when it references a table
	// already written earlier in the same transaction.
	DMLAdaptive bool `yaml:"dml_adaptive"`
}

// CacheConfig sizes the shared-memory query cache (spec.md §4.9).
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	NumBlocks    int           `yaml:"num_blocks"`
	BlockSize    int           `yaml:"block_size"`
	MaxNumCache  int           `yaml:"max_num_cache"`
	MaxCache     int           `yaml:"maxcache"`
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	OidMapDir    string        `yaml:"oiddir"`
	MemcachedAddr string       `yaml:"memcached_addr"`
}

// AuthConfig points at the password store and the cluster key used to
// decrypt AES-encrypted password-store entries (spec.md §4.2).
type AuthConfig struct {
	PasswordFile          string `yaml:"password_file"`
	PasswordEncryptionKey string `yaml:"password_encryption_key"`
	RelcacheDSN           string `yaml:"relcache_dsn"`
}

// PoolDefaults defines default pool settings applied to every backend slot.
type PoolDefaults struct {
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 5433
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Cluster.Mode == "" {
		cfg.Cluster.Mode = ModeRaw
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 1
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Defaults.DialTimeout == 0 {
		cfg.Defaults.DialTimeout = 5 * time.Second
	}
	if cfg.Cache.BlockSize == 0 {
		cfg.Cache.BlockSize = 8192
	}
	if cfg.Cache.NumBlocks == 0 {
		cfg.Cache.NumBlocks = 256
	}
	if cfg.Cache.MaxNumCache == 0 {
		cfg.Cache.MaxNumCache = 1024
	}
	if cfg.Cache.MaxCache == 0 {
		cfg.Cache.MaxCache = cfg.Cache.BlockSize / 2
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = 10 * time.Minute
	}
	if cfg.Cache.OidMapDir == "" {
		cfg.Cache.OidMapDir = "/tmp/poolrouter/oiddir"
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 10 * time.Second
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 3
	}
	if cfg.Health.ConnectionTimeout == 0 {
		cfg.Health.ConnectionTimeout = 3 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Cluster.Mode != "" && cfg.Cluster.Mode != ModeRaw && cfg.Cluster.Mode != ModeReplica {
		return fmt.Errorf("cluster.mode must be %q or %q", ModeRaw, ModeReplica)
	}
	if len(cfg.Cluster.Backends) == 0 {
		return fmt.Errorf("cluster.backends: at least one backend is required")
	}
	primaries := 0
	for i, b := range cfg.Cluster.Backends {
		if b.Host == "" {
			return fmt.Errorf("cluster.backends[%d]: host is required", i)
		}
		if b.Port == 0 {
			return fmt.Errorf("cluster.backends[%d]: port is required", i)
		}
		if b.Role == RolePrimary {
			primaries++
		}
	}
	if cfg.Cluster.Mode == ModeReplica && primaries > 1 {
		return fmt.Errorf("cluster.backends: at most one backend may have role %q", RolePrimary)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
