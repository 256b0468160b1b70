package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gossipmesh/gossipmesh/internal/adminapi"
	"github.com/gossipmesh/gossipmesh/internal/config"
	"github.com/gossipmesh/gossipmesh/internal/identity"
	"github.com/gossipmesh/gossipmesh/internal/reputation"
	"github.com/gossipmesh/gossipmesh/internal/watchdog"
	"github.com/gossipmesh/gossipmesh/pkg/gossip"
)

// nodeRuntime adapts a live Engine to adminapi.RuntimeInfo.
type nodeRuntime struct {
	id        *identity.Identity
	version   string
	startTime time.Time
	engine    *gossip.Engine
}

func (r *nodeRuntime) NodeID() string            { return r.id.Node.String() }
func (r *nodeRuntime) Version() string           { return r.version }
func (r *nodeRuntime) StartTime() time.Time      { return r.startTime }
func (r *nodeRuntime) Snapshot() gossip.Snapshot { return r.engine.Snapshot() }

func runNode(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configFlag := fs.String("config", "", "path to config file")
	fs.Parse(args)

	path, err := config.FindConfigFile(*configFlag)
	if err != nil {
		fatal("%v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fatal("failed to load config: %v", err)
	}
	config.ResolveConfigPaths(cfg, filepath.Dir(path))
	if err := config.ValidateConfig(cfg); err != nil {
		fatal("invalid config: %v", err)
	}

	id, err := identity.LoadOrCreate(cfg.Node.IdentityPath)
	if err != nil {
		fatal("failed to load identity: %v", err)
	}
	slog.Info("identity loaded", "node_id", id.Node.String())

	metrics := gossip.NewMetrics()
	audit := gossip.NewAuditLogger(slog.Default().Handler())
	subs := gossip.NewSubscriberBus(func() {
		slog.Warn("subscriber dropped a delta: its channel was saturated")
	})

	engineCfg := gossip.Config{
		GossipInterval: cfg.Gossip.GossipInterval(),
		GossipFactor:   cfg.Gossip.Factor,
		IntraBias:      cfg.Gossip.IntraBias,
		NodeTTL:        cfg.Gossip.NodeTTL(),
		CommunityID:    cfg.Gossip.CommunityID,
		MaxClockSkew:   cfg.Gossip.MaxClockSkew(),
		BootstrapAddrs: cfg.Gossip.BootstrapPeers,
		SeenCacheSize:  cfg.Gossip.SeenCacheSize,
	}
	engine := gossip.NewEngine(id, engineCfg, subs, metrics, audit)

	if dir, err := config.DefaultConfigDir(); err == nil {
		history := reputation.NewConnectionTracker(filepath.Join(dir, "connection-history.json"))
		engine.SetHistory(history)
		defer history.Save()
	}

	transportCfg := gossip.TransportConfig{
		ListenAddr: cfg.Node.P2PAddr,
		TLS: gossip.TLSFiles{
			CACert:   cfg.TLS.CACert,
			NodeCert: cfg.TLS.NodeCert,
			NodeKey:  cfg.TLS.NodeKey,
		},
		HelloTimeout:         cfg.Gossip.HelloTimeout(),
		MaxConcurrentStreams: cfg.Gossip.MaxConcurrentStreams,
	}
	transport, err := gossip.NewWiredTransport(id, transportCfg, engine, metrics, audit)
	if err != nil {
		fatal("failed to start transport: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return transport.Run(gctx) })
	g.Go(func() error {
		engine.Run(gctx)
		return nil
	})

	startTime := time.Now()
	var adminSrv *adminapi.Server
	if cfg.Admin.SocketPath != "" {
		rt := &nodeRuntime{id: id, version: version, startTime: startTime, engine: engine}
		adminSrv = adminapi.NewServer(rt, cfg.Admin.SocketPath, cfg.Admin.SocketPath+".cookie")
		adminSrv.SetInstrumentation(metrics, audit)
		if err := adminSrv.Start(); err != nil {
			fatal("failed to start admin API: %v", err)
		}
		slog.Info("admin API listening", "socket", cfg.Admin.SocketPath)
	}

	g.Go(func() error {
		watchdog.Run(gctx, watchdog.Config{}, []watchdog.HealthCheck{
			{Name: "engine", Check: func() error { return nil }},
		})
		return nil
	})
	watchdog.Ready()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	case <-gctx.Done():
		slog.Warn("a component exited unexpectedly, shutting down")
	case <-adminShutdownCh(adminSrv):
		slog.Info("shutdown requested via admin API")
	}

	watchdog.Stopping()
	cancel()
	if adminSrv != nil {
		adminSrv.Stop()
	}
	if err := g.Wait(); err != nil {
		slog.Error("component exited with error", "error", err)
	}
	slog.Info("gossipmesh-node stopped")
}

// adminShutdownCh returns a channel that never fires when the admin API
// is disabled, so the select in runNode can always range over it.
func adminShutdownCh(s *adminapi.Server) <-chan struct{} {
	if s == nil {
		return make(chan struct{})
	}
	return s.ShutdownCh()
}
