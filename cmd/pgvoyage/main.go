// Command pgvoyage runs the PostgreSQL wire-protocol connection pooler:
// the client-facing listener (C3), the admin console, the REST/metrics
// surface, and the pool registry (C7) that dials real upstream servers.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgvoyage/pgvoyage/internal/admin"
	"github.com/pgvoyage/pgvoyage/internal/api"
	"github.com/pgvoyage/pgvoyage/internal/cancel"
	"github.com/pgvoyage/pgvoyage/internal/config"
	"github.com/pgvoyage/pgvoyage/internal/listener"
	"github.com/pgvoyage/pgvoyage/internal/metrics"
	"github.com/pgvoyage/pgvoyage/internal/pool"
	"github.com/pgvoyage/pgvoyage/internal/server"
	"github.com/pgvoyage/pgvoyage/internal/session"
	"github.com/pgvoyage/pgvoyage/internal/stats"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "pgvoyage",
		Short: "PostgreSQL wire-protocol transaction pooler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "configs/pgvoyage.yaml", "path to configuration file")

	if err := root.Execute(); err != nil {
		slog.Error("pgvoyage: fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Info("pgvoyage starting", "config", configPath, "pools", len(cfg.Pools))

	statsReg := stats.NewRegistry()
	cancelReg := cancel.New()
	clientReg := session.NewClientRegistry()
	metricsCollector := metrics.New()

	poolRegistry := pool.NewRegistry(func(key pool.Key) pool.OnExhausted {
		return func(database, user string) {
			metricsCollector.PoolExhausted(database, user)
		}
	})

	authCfg, err := cfg.BuildAuthConfig()
	if err != nil {
		return fmt.Errorf("building auth config: %w", err)
	}

	adminHandler := &admin.Handler{
		Registry:  poolRegistry,
		StatsReg:  statsReg,
		ClientReg: clientReg,
		StartTime: time.Now(),
		ConfigSnapshot: func() map[string]string {
			return map[string]string{
				"listen_addr":       cfg.Listen.Addr,
				"max_client_conn":   fmt.Sprintf("%d", cfg.Listen.MaxClientConn),
				"metrics_addr":      cfg.Metrics.Addr,
				"pool_count":        fmt.Sprintf("%d", len(cfg.Pools)),
				"default_pool_mode": cfg.Defaults.PoolMode,
			}
		},
	}

	sessionFactory := func(database, user string) session.Config {
		key := pool.Key{Database: database, User: user}
		var sessCfg session.Config

		pc, ok := cfg.Pools[key.String()]
		if ok {
			sessCfg.PoolCfg = pc.Effective(cfg.Defaults)
			sessCfg.DialerFn = func() pool.Dialer {
				return pool.ServerDialer{Cfg: server.DialConfig{
					Addr:               pc.UpstreamAddr(),
					DialTimeout:        cfg.Defaults.CreateTimeout,
					StatementCacheSize: sessCfg.PoolCfg.StatementCacheSize,
					Creds: server.Credentials{
						User:     pc.AuthUser,
						Database: pc.DBName,
						Password: pc.Password,
						UseScram: pc.AuthType == "scram-sha-256",
					},
				}}
			}
		}

		for _, u := range cfg.Admin.Users {
			if u == user {
				sessCfg.Admin = adminHandler
				break
			}
		}
		return sessCfg
	}

	l, err := listener.New(listener.Config{
		Addr:           cfg.Listen.Addr,
		MaxClients:     cfg.Listen.MaxClientConn,
		AuthConfig:     authCfg,
		Registry:       poolRegistry,
		StatsReg:       statsReg,
		CancelReg:      cancelReg,
		ClientReg:      clientReg,
		SessionFactory: sessionFactory,
	})
	if err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}
	go l.Serve()

	apiServer := api.NewServer(poolRegistry, cfg, metricsCollector)
	if err := apiServer.Start(cfg.Metrics.Addr); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	var watcher *config.Watcher
	watcher, err = config.NewWatcher(configPath, func(newCfg *config.Config) {
		slog.Info("pgvoyage: configuration reloaded", "pools", len(newCfg.Pools))
		*cfg = *newCfg
	})
	if err != nil {
		slog.Warn("pgvoyage: config hot-reload not available", "error", err)
	}

	go statsTickLoop(statsReg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("pgvoyage: received signal, shutting down", "signal", sig.String())

	if watcher != nil {
		watcher.Stop()
	}
	apiServer.Stop()
	l.Stop()
	poolRegistry.CloseAll()

	slog.Info("pgvoyage: stopped")
	return nil
}

func statsTickLoop(reg *stats.Registry) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		reg.TickAll(1.0)
	}
}
