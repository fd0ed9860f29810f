package router

import (
	"context"
	"log/slog"
)

// Reconcile applies a ConfigDiff to a live cluster-manager set: removed
// clusters are stopped and evicted, added clusters are created, started
// and set polling, and clusters whose ports changed have their listeners
// rebound in place. Callers must hold the mutex guarding managers while
// calling this (see cmd/pgvoyage-router/main.go), matching
// original_source/src/bin/patroni_proxy/main.rs's handle_config_changes.
func Reconcile(ctx context.Context, diff ConfigDiff, managers map[string]*ClusterManager, newCfg *Config) {
	for _, change := range diff.Changes {
		switch change.Kind {
		case ClusterRemoved:
			if m, ok := managers[change.Name]; ok {
				slog.Info("router: stopping removed cluster", "cluster", change.Name)
				m.StopPorts()
				delete(managers, change.Name)
			}

		case ClusterAdded:
			slog.Info("router: starting added cluster", "cluster", change.Name)
			m, err := NewClusterManager(change.Name, change.Cluster.Hosts, change.Cluster.TLS)
			if err != nil {
				slog.Error("router: failed to initialize added cluster", "cluster", change.Name, "error", err)
				continue
			}
			if err := m.StartPorts(ctx, change.Cluster.Ports); err != nil {
				slog.Error("router: failed to start added cluster", "cluster", change.Name, "error", err)
				continue
			}
			go m.UpdateLoop(ctx, newCfg.UpdateInterval())
			managers[change.Name] = m

		case ClusterHostsChanged:
			if m, ok := managers[change.Name]; ok {
				slog.Info("router: cluster hosts changed", "cluster", change.Name, "hosts", change.NewHosts)
				m.SetHosts(change.NewHosts)
			}

		case ClusterPortsChanged:
			if m, ok := managers[change.Name]; ok {
				slog.Info("router: cluster ports changed, rebinding listeners", "cluster", change.Name)
				m.StopPorts()
				if err := m.StartPorts(ctx, change.NewPorts); err != nil {
					slog.Error("router: failed to rebind ports after change", "cluster", change.Name, "error", err)
				}
			}

		case ClusterTLSChanged:
			slog.Info("router: cluster TLS configuration changed; new Patroni client picks it up on next restart", "cluster", change.Name)
		}
	}
}
