// Package router implements the auxiliary router (C11): a standalone
// binary that polls an external cluster-membership API (Patroni's
// /cluster endpoint) and binds listening ports to whichever upstream
// currently holds the requested role, tee-ing bytes bidirectionally. It
// shares no runtime state with the main pooler (internal/pool,
// internal/session) — its only borrowed dependency is internal/wire's
// buffer pool for the copy loop.
//
// Grounded on original_source/src/bin/patroni_proxy/config.rs: the
// cluster/port/role shape and the added/removed/changed diff types are
// carried over, reexpressed as Go structs with encoding via
// gopkg.in/yaml.v3 instead of serde_yaml.
package router

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role is one of the four roles a port can accept connections for.
type Role string

const (
	RoleLeader Role = "leader"
	RoleSync   Role = "sync"
	RoleAsync  Role = "async"
	RoleAny    Role = "any"
)

func (r Role) valid() bool {
	switch r {
	case RoleLeader, RoleSync, RoleAsync, RoleAny:
		return true
	default:
		return false
	}
}

// TLSConfig describes how the router's HTTP client talks to a cluster's
// Patroni hosts over https.
type TLSConfig struct {
	CACert     string `yaml:"ca_cert,omitempty"`
	ClientCert string `yaml:"client_cert,omitempty"`
	ClientKey  string `yaml:"client_key,omitempty"`
	SkipVerify bool   `yaml:"skip_verify,omitempty"`
}

// PortConfig is one listen port within a cluster: the bind address, the
// set of member roles it accepts, and an optional replication lag bound.
type PortConfig struct {
	Listen        string `yaml:"listen"`
	Roles         []Role `yaml:"roles"`
	HostPort      int    `yaml:"host_port"`
	MaxLagInBytes *int64 `yaml:"max_lag_in_bytes,omitempty"`
}

// ClusterConfig is one named Patroni cluster: its API hosts and the ports
// dispatching connections to its current members.
type ClusterConfig struct {
	Hosts []string              `yaml:"hosts"`
	TLS   *TLSConfig            `yaml:"tls,omitempty"`
	Ports map[string]PortConfig `yaml:"ports"`
}

// Config is the auxiliary router's top-level configuration file.
type Config struct {
	ClusterUpdateIntervalSeconds int                      `yaml:"cluster_update_interval"`
	ListenAddr                   string                   `yaml:"listen_address"`
	Clusters                     map[string]ClusterConfig `yaml:"clusters"`
}

// UpdateInterval is how often each cluster's membership is refreshed.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.ClusterUpdateIntervalSeconds) * time.Second
}

// LoadConfig reads, parses and validates a router configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("router: reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("router: parsing config: %w", err)
	}
	if cfg.ClusterUpdateIntervalSeconds == 0 {
		cfg.ClusterUpdateIntervalSeconds = 3
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8009"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants spec.md §4.10 implies: every cluster has
// at least one host and one port, hosts are http(s) URLs with no
// duplicates within a cluster, every port names only valid roles, and no
// two ports across the whole file bind the same listen address.
func (c *Config) Validate() error {
	seenListen := make(map[string]bool)
	for clusterName, cc := range c.Clusters {
		if len(cc.Hosts) == 0 {
			return fmt.Errorf("router: cluster %q has no hosts defined", clusterName)
		}
		seenHosts := make(map[string]bool, len(cc.Hosts))
		for _, h := range cc.Hosts {
			if !strings.HasPrefix(h, "http://") && !strings.HasPrefix(h, "https://") {
				return fmt.Errorf("router: invalid host %q: only http:// and https:// schemes are allowed", h)
			}
			norm := strings.ToLower(h)
			if seenHosts[norm] {
				return fmt.Errorf("router: duplicate host: %s", h)
			}
			seenHosts[norm] = true
		}
		if len(cc.Ports) == 0 {
			return fmt.Errorf("router: cluster %q has no ports defined", clusterName)
		}
		for portName, pc := range cc.Ports {
			if len(pc.Roles) == 0 {
				return fmt.Errorf("router: port %q has no roles defined", portName)
			}
			for _, r := range pc.Roles {
				if !r.valid() {
					return fmt.Errorf("router: invalid role %q, allowed roles: leader, sync, async, any", r)
				}
			}
			if err := validateListenAddr(pc.Listen); err != nil {
				return err
			}
			if seenListen[pc.Listen] {
				return fmt.Errorf("router: duplicate listen address: %s", pc.Listen)
			}
			seenListen[pc.Listen] = true
		}
	}
	return nil
}

func validateListenAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("router: invalid listen address %q: %w", addr, err)
	}
	if net.ParseIP(host) == nil {
		return fmt.Errorf("router: invalid listen address %q: host must be an IP literal", addr)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("router: invalid listen address %q: invalid port", addr)
	}
	return nil
}

// ClusterDiffKind discriminates the ClusterDiff variants.
type ClusterDiffKind int

const (
	ClusterAdded ClusterDiffKind = iota
	ClusterRemoved
	ClusterHostsChanged
	ClusterPortsChanged
	ClusterTLSChanged
)

// ClusterDiff describes one change to a single cluster between two
// configuration snapshots.
type ClusterDiff struct {
	Kind     ClusterDiffKind
	Name     string
	Cluster  ClusterConfig // set for ClusterAdded
	OldHosts []string      // set for ClusterHostsChanged
	NewHosts []string
	OldPorts map[string]PortConfig // set for ClusterPortsChanged
	NewPorts map[string]PortConfig
}

// ConfigDiff is the full set of cluster-level changes between two
// configuration snapshots, as produced by ComputeDiff.
type ConfigDiff struct {
	Changes []ClusterDiff
}

// HasChanges reports whether the diff carries any change at all.
func (d ConfigDiff) HasChanges() bool { return len(d.Changes) > 0 }

// ComputeDiff mirrors config.rs's ConfigDiff::compute: removed clusters
// first, then added-or-modified, checking hosts, ports and TLS
// independently so a reload can reconcile only what actually changed.
func ComputeDiff(old, new *Config) ConfigDiff {
	var changes []ClusterDiff

	for name := range old.Clusters {
		if _, ok := new.Clusters[name]; !ok {
			changes = append(changes, ClusterDiff{Kind: ClusterRemoved, Name: name})
		}
	}

	for name, newCC := range new.Clusters {
		oldCC, ok := old.Clusters[name]
		if !ok {
			changes = append(changes, ClusterDiff{Kind: ClusterAdded, Name: name, Cluster: newCC})
			continue
		}
		if !stringSlicesEqual(oldCC.Hosts, newCC.Hosts) {
			changes = append(changes, ClusterDiff{
				Kind: ClusterHostsChanged, Name: name,
				OldHosts: oldCC.Hosts, NewHosts: newCC.Hosts,
			})
		}
		if !portsEqual(oldCC.Ports, newCC.Ports) {
			changes = append(changes, ClusterDiff{
				Kind: ClusterPortsChanged, Name: name,
				OldPorts: oldCC.Ports, NewPorts: newCC.Ports,
			})
		}
		if !tlsEqual(oldCC.TLS, newCC.TLS) {
			changes = append(changes, ClusterDiff{Kind: ClusterTLSChanged, Name: name})
		}
	}

	return ConfigDiff{Changes: changes}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func rolesEqual(a, b []Role) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func lagEqual(a, b *int64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func portsEqual(a, b map[string]PortConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok {
			return false
		}
		if va.Listen != vb.Listen || va.HostPort != vb.HostPort ||
			!rolesEqual(va.Roles, vb.Roles) || !lagEqual(va.MaxLagInBytes, vb.MaxLagInBytes) {
			return false
		}
	}
	return true
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
