package router

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func validYAML() string {
	return `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
      - "https://192.168.0.2:8008"
    tls:
      ca_cert: "/path/to/ca.crt"
      skip_verify: false
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
      any:
        listen: "127.0.0.1:6432"
        roles: ["any"]
        host_port: 6432
        max_lag_in_bytes: 16777216
`
}

func parseYAML(t *testing.T, data string) *Config {
	t.Helper()
	var cfg Config
	if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &cfg
}

func TestValidConfig(t *testing.T) {
	cfg := parseYAML(t, validYAML())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestInvalidRole(t *testing.T) {
	cfg := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["invalid_role"]
        host_port: 6432
`)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid role error")
	}
}

func TestInvalidHostScheme(t *testing.T) {
	cfg := parseYAML(t, `
clusters:
  one:
    hosts:
      - "ftp://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
`)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid host scheme error")
	}
}

func TestDuplicateHosts(t *testing.T) {
	cfg := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
`)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate host error")
	}
}

func TestDuplicateListenSameCluster(t *testing.T) {
	cfg := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
      replica:
        listen: "127.0.0.1:5432"
        roles: ["sync"]
        host_port: 6432
`)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate listen address error")
	}
}

func TestDuplicateListenDifferentClusters(t *testing.T) {
	cfg := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
  two:
    hosts:
      - "http://192.168.0.2:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
`)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate listen address error across clusters")
	}
}

func TestEmptyHosts(t *testing.T) {
	cfg := parseYAML(t, `
clusters:
  one:
    hosts: []
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
`)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected empty hosts error")
	}
}

func TestEmptyRoles(t *testing.T) {
	cfg := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: []
        host_port: 6432
`)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected empty roles error")
	}
}

func TestInvalidListenAddress(t *testing.T) {
	cfg := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "invalid_address"
        roles: ["leader"]
        host_port: 6432
`)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid listen address error")
	}
}

func TestConfigDiffNoChanges(t *testing.T) {
	yaml := `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
`
	c1 := parseYAML(t, yaml)
	c2 := parseYAML(t, yaml)
	diff := ComputeDiff(c1, c2)
	if diff.HasChanges() {
		t.Fatalf("expected no changes, got %+v", diff.Changes)
	}
}

func TestConfigDiffClusterAdded(t *testing.T) {
	c1 := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
`)
	c2 := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
  two:
    hosts:
      - "http://192.168.0.2:8008"
    ports:
      master:
        listen: "127.0.0.1:5433"
        roles: ["leader"]
        host_port: 6432
`)
	diff := ComputeDiff(c1, c2)
	if !diff.HasChanges() {
		t.Fatal("expected changes")
	}
	found := false
	for _, c := range diff.Changes {
		if c.Kind == ClusterAdded && c.Name == "two" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ClusterAdded for 'two', got %+v", diff.Changes)
	}
}

func TestConfigDiffClusterRemoved(t *testing.T) {
	c1 := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
  two:
    hosts:
      - "http://192.168.0.2:8008"
    ports:
      master:
        listen: "127.0.0.1:5433"
        roles: ["leader"]
        host_port: 6432
`)
	c2 := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
`)
	diff := ComputeDiff(c1, c2)
	found := false
	for _, c := range diff.Changes {
		if c.Kind == ClusterRemoved && c.Name == "two" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ClusterRemoved for 'two', got %+v", diff.Changes)
	}
}

func TestConfigDiffHostsChanged(t *testing.T) {
	c1 := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
`)
	c2 := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
      - "http://192.168.0.3:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
`)
	diff := ComputeDiff(c1, c2)
	found := false
	for _, c := range diff.Changes {
		if c.Kind == ClusterHostsChanged && c.Name == "one" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ClusterHostsChanged for 'one', got %+v", diff.Changes)
	}
}

func TestConfigDiffPortsChanged(t *testing.T) {
	c1 := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader"]
        host_port: 6432
`)
	c2 := parseYAML(t, `
clusters:
  one:
    hosts:
      - "http://192.168.0.1:8008"
    ports:
      master:
        listen: "127.0.0.1:5432"
        roles: ["leader", "sync"]
        host_port: 6432
`)
	diff := ComputeDiff(c1, c2)
	found := false
	for _, c := range diff.Changes {
		if c.Kind == ClusterPortsChanged && c.Name == "one" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ClusterPortsChanged for 'one', got %+v", diff.Changes)
	}
}

func TestMultipleClusters(t *testing.T) {
	cfg := parseYAML(t, `
clusters:
  production:
    hosts:
      - "https://prod1.example.com:8008"
      - "https://prod2.example.com:8008"
    tls:
      ca_cert: "/etc/ssl/ca.crt"
      skip_verify: false
    ports:
      primary:
        listen: "0.0.0.0:5432"
        roles: ["leader"]
        host_port: 6432
      replicas:
        listen: "0.0.0.0:5433"
        roles: ["sync", "async"]
        host_port: 6432
        max_lag_in_bytes: 16777216
  staging:
    hosts:
      - "http://staging1.example.com:8008"
    ports:
      all:
        listen: "0.0.0.0:5434"
        roles: ["any"]
        host_port: 6432
`)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
	if len(cfg.Clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(cfg.Clusters))
	}
}
