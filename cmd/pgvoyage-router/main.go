// Command pgvoyage-router is the auxiliary router (C11): a standalone
// process that watches Patroni cluster membership and binds listen ports
// to whichever member currently holds the requested role, independent of
// the main pgvoyage pooler binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pgvoyage/pgvoyage/internal/router"
)

// exit codes per spec.md §6: 0 clean shutdown, 78 (EX_CONFIG) on startup
// configuration failure.
const exConfig = 78

func main() {
	configPath := flag.String("config", "pgvoyage-router.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := router.LoadConfig(*configPath)
	if err != nil {
		slog.Error("pgvoyage-router: configuration error", "error", err)
		os.Exit(exConfig)
	}

	if err := run(cfg, *configPath); err != nil {
		slog.Error("pgvoyage-router: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *router.Config, configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	managers := make(map[string]*router.ClusterManager, len(cfg.Clusters))

	interval := cfg.UpdateInterval()
	for name, cc := range cfg.Clusters {
		slog.Info("pgvoyage-router: initializing cluster", "cluster", name, "hosts", len(cc.Hosts), "ports", len(cc.Ports))

		m, err := router.NewClusterManager(name, cc.Hosts, cc.TLS)
		if err != nil {
			return fmt.Errorf("initializing cluster %q: %w", name, err)
		}
		if err := m.StartPorts(ctx, cc.Ports); err != nil {
			return fmt.Errorf("starting cluster %q: %w", name, err)
		}
		go m.UpdateLoop(ctx, interval)
		managers[name] = m
	}

	srv := router.NewServer(&mu, managers)
	if err := srv.Start(cfg.ListenAddr); err != nil {
		return fmt.Errorf("starting http server: %w", err)
	}

	sighupCh := make(chan os.Signal, 1)
	signal.Notify(sighupCh, syscall.SIGHUP)
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("pgvoyage-router: running", "clusters", len(managers))

	curCfg := cfg
	for {
		select {
		case <-sighupCh:
			slog.Info("pgvoyage-router: received SIGHUP, reloading configuration")
			newCfg, err := router.LoadConfig(configPath)
			if err != nil {
				slog.Error("pgvoyage-router: failed to reload configuration, keeping previous", "error", err)
				continue
			}
			diff := router.ComputeDiff(curCfg, newCfg)
			if !diff.HasChanges() {
				slog.Info("pgvoyage-router: configuration unchanged")
				continue
			}
			mu.Lock()
			router.Reconcile(ctx, diff, managers, newCfg)
			mu.Unlock()
			curCfg = newCfg
			slog.Info("pgvoyage-router: configuration reloaded")

		case sig := <-shutdownCh:
			slog.Info("pgvoyage-router: received signal, shutting down", "signal", sig.String())
			mu.Lock()
			for _, m := range managers {
				m.StopPorts()
			}
			mu.Unlock()

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			srv.Stop(shutdownCtx)
			cancelShutdown()

			slog.Info("pgvoyage-router: stopped")
			return nil
		}
	}
}
