// Package config loads and hot-reloads pgvoyage's YAML configuration,
// following the teacher's env-var substitution and fsnotify watch pattern.
package config

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/pgvoyage/pgvoyage/internal/hba"
	"github.com/pgvoyage/pgvoyage/internal/pool"
)

// Config is the top-level configuration for pgvoyage.
type Config struct {
	Listen   ListenConfig          `yaml:"listen"`
	Admin    AdminConfig           `yaml:"admin"`
	Metrics  MetricsConfig         `yaml:"metrics"`
	Defaults PoolDefaults          `yaml:"defaults"`
	Pools    map[string]PoolConfig `yaml:"pools"`
	HBA      []HBARule             `yaml:"hba"`
}

// ListenConfig defines the port and bind address the client-facing listener
// uses, plus optional TLS material for the server side of the handshake.
type ListenConfig struct {
	Addr          string `yaml:"addr"`
	MaxClientConn int    `yaml:"max_client_conn"`
	TLSCert       string `yaml:"tls_cert"`
	TLSKey        string `yaml:"tls_key"`
}

// TLSEnabled returns true if both a TLS cert and key path are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// AdminConfig lists the usernames routed to the built-in admin console
// (internal/admin) over the ordinary client listener, instead of to a
// backend pool — the same "connect as this user, get SHOW POOLS instead
// of a database" convention pgbouncer uses. It has no address of its own.
type AdminConfig struct {
	Users []string `yaml:"users"`
}

// MetricsConfig configures the HTTP surface serving /metrics, /pools,
// /status, /config and the operator dashboard.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// PoolDefaults holds the pool settings applied when a PoolConfig entry
// doesn't override them.
type PoolDefaults struct {
	PoolMode           string        `yaml:"pool_mode"`
	MaxSize            int           `yaml:"max_size"`
	MinIdle            int           `yaml:"min_idle"`
	WaitTimeout        time.Duration `yaml:"wait_timeout"`
	CreateTimeout      time.Duration `yaml:"create_timeout"`
	RecycleTimeout     time.Duration `yaml:"recycle_timeout"`
	MaxLifetime        time.Duration `yaml:"max_lifetime"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ServerRoundRobin   bool          `yaml:"server_round_robin"`
	StatementCacheSize int           `yaml:"statement_cache_size"`
	CleanupEnabled     bool          `yaml:"cleanup_enabled"`
}

// PoolConfig holds the upstream and credential configuration for a single
// (database, user) pool. Map keys in Config.Pools are "database/user",
// matching pool.Key.String().
type PoolConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	AuthUser string `yaml:"auth_user"`
	Password string `yaml:"password"`
	AuthType string `yaml:"auth_type"` // trust, md5, scram-sha-256, jwt

	PoolMode           *string        `yaml:"pool_mode,omitempty"`
	MaxSize            *int           `yaml:"max_size,omitempty"`
	MinIdle            *int           `yaml:"min_idle,omitempty"`
	WaitTimeout        *time.Duration `yaml:"wait_timeout,omitempty"`
	CreateTimeout      *time.Duration `yaml:"create_timeout,omitempty"`
	RecycleTimeout     *time.Duration `yaml:"recycle_timeout,omitempty"`
	MaxLifetime        *time.Duration `yaml:"max_lifetime,omitempty"`
	IdleTimeout        *time.Duration `yaml:"idle_timeout,omitempty"`
	ServerRoundRobin   *bool          `yaml:"server_round_robin,omitempty"`
	StatementCacheSize *int           `yaml:"statement_cache_size,omitempty"`
	CleanupEnabled     *bool          `yaml:"cleanup_enabled,omitempty"`
}

// UpstreamAddr returns the host:port dial target for this pool's server.
func (p PoolConfig) UpstreamAddr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// EffectivePoolMode returns the pool's mode or the default.
func (p PoolConfig) EffectivePoolMode(d PoolDefaults) string {
	if p.PoolMode != nil {
		return *p.PoolMode
	}
	return d.PoolMode
}

// Effective returns the pool.Config pgvoyage's pool package consumes,
// folding this PoolConfig's overrides over the shared defaults.
func (p PoolConfig) Effective(d PoolDefaults) pool.Config {
	mode := pool.Mode(p.EffectivePoolMode(d))
	cfg := pool.Config{
		Mode:               mode,
		MaxSize:            d.MaxSize,
		MinIdle:            d.MinIdle,
		WaitTimeout:        d.WaitTimeout,
		CreateTimeout:      d.CreateTimeout,
		RecycleTimeout:     d.RecycleTimeout,
		MaxLifetime:        d.MaxLifetime,
		IdleTimeout:        d.IdleTimeout,
		ServerRoundRobin:   d.ServerRoundRobin,
		StatementCacheSize: d.StatementCacheSize,
		CleanupEnabled:     d.CleanupEnabled,
	}
	if p.MaxSize != nil {
		cfg.MaxSize = *p.MaxSize
	}
	if p.MinIdle != nil {
		cfg.MinIdle = *p.MinIdle
	}
	if p.WaitTimeout != nil {
		cfg.WaitTimeout = *p.WaitTimeout
	}
	if p.CreateTimeout != nil {
		cfg.CreateTimeout = *p.CreateTimeout
	}
	if p.RecycleTimeout != nil {
		cfg.RecycleTimeout = *p.RecycleTimeout
	}
	if p.MaxLifetime != nil {
		cfg.MaxLifetime = *p.MaxLifetime
	}
	if p.IdleTimeout != nil {
		cfg.IdleTimeout = *p.IdleTimeout
	}
	if p.ServerRoundRobin != nil {
		cfg.ServerRoundRobin = *p.ServerRoundRobin
	}
	if p.StatementCacheSize != nil {
		cfg.StatementCacheSize = *p.StatementCacheSize
	}
	if p.CleanupEnabled != nil {
		cfg.CleanupEnabled = *p.CleanupEnabled
	}
	return cfg
}

// Redacted returns a copy of the PoolConfig with the password masked.
func (p PoolConfig) Redacted() PoolConfig {
	c := p
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// HBARule is the YAML form of an hba.Rule; CIDR is parsed at load time.
type HBARule struct {
	Type     string   `yaml:"type"`
	Database []string `yaml:"database"`
	User     []string `yaml:"user"`
	CIDR     string   `yaml:"cidr"`
	Method   string   `yaml:"method"`
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
	if cfg.Listen.Addr == "" {
		cfg.Listen.Addr = "0.0.0.0:6432"
	}
	if cfg.Listen.MaxClientConn == 0 {
		cfg.Listen.MaxClientConn = 1000
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9930"
	}
	if cfg.Defaults.PoolMode == "" {
		cfg.Defaults.PoolMode = "transaction"
	}
	if cfg.Defaults.MaxSize == 0 {
		cfg.Defaults.MaxSize = 20
	}
	if cfg.Defaults.MinIdle == 0 {
		cfg.Defaults.MinIdle = 2
	}
	if cfg.Defaults.WaitTimeout == 0 {
		cfg.Defaults.WaitTimeout = 10 * time.Second
	}
	if cfg.Defaults.CreateTimeout == 0 {
		cfg.Defaults.CreateTimeout = 5 * time.Second
	}
	if cfg.Defaults.RecycleTimeout == 0 {
		cfg.Defaults.RecycleTimeout = 1 * time.Second
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.StatementCacheSize == 0 {
		cfg.Defaults.StatementCacheSize = 128
	}
}

func validate(cfg *Config) error {
	for id, p := range cfg.Pools {
		if p.Host == "" {
			return fmt.Errorf("pool %q: host is required", id)
		}
		if p.Port == 0 {
			return fmt.Errorf("pool %q: port is required", id)
		}
		if p.DBName == "" {
			return fmt.Errorf("pool %q: dbname is required", id)
		}
		if p.AuthUser == "" {
			return fmt.Errorf("pool %q: auth_user is required", id)
		}
		switch p.AuthType {
		case "", "trust", "md5", "scram-sha-256", "jwt":
		default:
			return fmt.Errorf("pool %q: unsupported auth_type %q", id, p.AuthType)
		}
	}
	for i, r := range cfg.HBA {
		switch hba.Method(r.Method) {
		case hba.MethodTrust, hba.MethodReject, hba.MethodMD5, hba.MethodScramSHA256, hba.MethodJWT:
		default:
			return fmt.Errorf("hba rule %d: unsupported method %q", i, r.Method)
		}
	}
	return nil
}

// BuildHBATable parses the configured HBA rules into an hba.Table. Rules
// with no cidr match any address.
func (c *Config) BuildHBATable() (*hba.Table, error) {
	rules := make([]hba.Rule, 0, len(c.HBA))
	for i, r := range c.HBA {
		rule := hba.Rule{
			ConnType:  hba.ConnType(r.Type),
			Databases: r.Database,
			Users:     r.User,
			Method:    hba.Method(r.Method),
		}
		if r.CIDR != "" {
			_, network, err := net.ParseCIDR(r.CIDR)
			if err != nil {
				return nil, fmt.Errorf("hba rule %d: %w", i, err)
			}
			rule.Network = network
		}
		rules = append(rules, rule)
	}
	return hba.NewTable(rules), nil
}

// BuildTLSConfig loads the listener's TLS certificate, if configured.
func (c *Config) BuildTLSConfig() (*tls.Config, error) {
	if !c.Listen.TLSEnabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.Listen.TLSCert, c.Listen.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("loading TLS keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
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
