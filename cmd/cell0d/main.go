// Package main is the entry point for the cell0d control-plane daemon.
// It wires all internal packages together and runs until SIGINT/SIGTERM.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables / optional TOML file
//  2. Build logger
//  3. Open the key/value store backing consensus state
//  4. Build token manager, presence registry, event router
//  5. Start the Raft node (local bus or NATS transport, embedded broker optional)
//  6. Start the work distributor
//  7. Start the WebSocket gateway (port 18801)
//  8. Start the janitor sweeps and the monitoring HTTP API (port 18802)
//  9. Block until shutdown, then stop in reverse order
//
// The process exit code reflects component health at shutdown:
// 0 healthy, 1 degraded, 2 errored, 3 critical.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/YigremTamiru/cell0-os-sub002/internal/auth"
	cfgfile "github.com/YigremTamiru/cell0-os-sub002/internal/config"
	"github.com/YigremTamiru/cell0-os-sub002/internal/distributor"
	"github.com/YigremTamiru/cell0-os-sub002/internal/gateway"
	"github.com/YigremTamiru/cell0-os-sub002/internal/janitor"
	"github.com/YigremTamiru/cell0-os-sub002/internal/metrics"
	"github.com/YigremTamiru/cell0-os-sub002/internal/monitor"
	"github.com/YigremTamiru/cell0-os-sub002/internal/presence"
	"github.com/YigremTamiru/cell0-os-sub002/internal/raft"
	"github.com/YigremTamiru/cell0-os-sub002/internal/router"
	"github.com/YigremTamiru/cell0-os-sub002/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	configPath  string
	nodeID      string
	dataDir     string
	gatewayHost string
	gatewayPort int
	monitorAddr string
	authSecret  string
	raftEnabled bool
	raftPeers   string
	natsURL     string
	natsEmbed   bool
	backend     string
	redisAddr   string
	algorithm   string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "cell0d",
		Short: "cell0d — multi-agent control-plane daemon",
		Long: `cell0d coordinates cooperating agents over a WebSocket gateway.
It authenticates connections, tracks presence and sessions, routes events
through pub/sub channels, replicates task commands via Raft consensus,
and distributes work units to agents by load, capability, and priority.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := run(cmd.Context(), cmd.Flags(), cfg)
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.configPath, "config", envOrDefault("CELL0_CONFIG", ""), "Path to TOML config file (flags win over file values)")
	root.PersistentFlags().StringVar(&cfg.nodeID, "node-id", envOrDefault("CELL0_NODE_ID", "node-1"), "Cluster-unique node identifier")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("CELL0_DATA_DIR", "./data"), "Directory for durable state (consensus log, hard state)")
	root.PersistentFlags().StringVar(&cfg.gatewayHost, "gateway-host", envOrDefault("CELL0_GATEWAY_HOST", "0.0.0.0"), "WebSocket gateway bind host")
	root.PersistentFlags().IntVar(&cfg.gatewayPort, "gateway-port", envOrDefaultInt("CELL0_GATEWAY_PORT", 18801), "WebSocket gateway bind port")
	root.PersistentFlags().StringVar(&cfg.monitorAddr, "monitor-addr", envOrDefault("CELL0_MONITOR_ADDR", monitor.DefaultAddr), "Monitoring/admin HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.authSecret, "auth-secret", envOrDefault("CELL0_AUTH_SECRET", ""), "Operator JWT secret for the admin API (empty = dev mode)")
	root.PersistentFlags().BoolVar(&cfg.raftEnabled, "raft", envOrDefaultBool("CELL0_RAFT", true), "Run the consensus engine")
	root.PersistentFlags().StringVar(&cfg.raftPeers, "raft-peers", envOrDefault("CELL0_RAFT_PEERS", ""), "Comma-separated peer node ids (empty = single-node cluster)")
	root.PersistentFlags().StringVar(&cfg.natsURL, "nats-url", envOrDefault("CELL0_NATS_URL", ""), "NATS URL for consensus peer traffic (empty = in-process bus)")
	root.PersistentFlags().BoolVar(&cfg.natsEmbed, "nats-embed", envOrDefaultBool("CELL0_NATS_EMBED", false), "Run an embedded NATS broker inside the daemon")
	root.PersistentFlags().StringVar(&cfg.backend, "storage", envOrDefault("CELL0_STORAGE", "bolt"), "Key/value backend for consensus state (bolt, memory, redis)")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("CELL0_REDIS_ADDR", ""), "Redis address when --storage=redis")
	root.PersistentFlags().StringVar(&cfg.algorithm, "algorithm", envOrDefault("CELL0_ALGORITHM", "adaptive"), "Load balancer algorithm (round_robin, least_loaded, weighted, capacity, adaptive)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CELL0_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cell0d %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// run wires the daemon and blocks until shutdown. The returned int is
// the process exit code derived from component health.
func run(ctx context.Context, flags *pflag.FlagSet, cfg *config) (int, error) {
	if cfg.configPath != "" {
		f, err := cfgfile.Load(cfg.configPath)
		if err != nil {
			return 0, err
		}
		applyFile(flags, cfg, f)
	}

	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return 0, fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	algo := distributor.Algorithm(cfg.algorithm)
	if !algo.Valid() {
		return 0, fmt.Errorf("unknown balancer algorithm %q", cfg.algorithm)
	}

	logger.Info("starting cell0d",
		zap.String("version", version),
		zap.String("node_id", cfg.nodeID),
		zap.String("gateway", fmt.Sprintf("%s:%d", cfg.gatewayHost, cfg.gatewayPort)),
		zap.String("monitor_addr", cfg.monitorAddr),
		zap.String("storage", cfg.backend),
		zap.Bool("raft", cfg.raftEnabled),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	health := monitor.NewHealth()

	// --- Storage ---
	store, err := openStore(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	health.Set(monitor.ComponentStorage, monitor.StateHealthy, cfg.backend)

	// --- Tokens and operator auth ---
	tokens := auth.NewManager(logger)

	var jwtMgr *auth.JWTManager
	if cfg.authSecret != "" {
		jwtMgr, err = auth.NewJWTManager([]byte(cfg.authSecret), "cell0d")
		if err != nil {
			return 0, fmt.Errorf("operator auth setup: %w", err)
		}
	}

	// --- Presence and event routing ---
	registry := presence.New(presence.DefaultConfig(), logger)
	registry.Start(ctx)

	rt := router.New(0, logger)

	// --- Consensus ---
	// Peer traffic rides NATS when a URL is given or the embedded broker
	// is requested; otherwise a single-node cluster runs on the
	// in-process bus.
	var (
		node *raft.Node
		nc   *nats.Conn
		ns   *natsserver.Server
	)
	if cfg.raftEnabled {
		peers := splitPeers(cfg.raftPeers)

		var transport raft.Transport
		if cfg.natsEmbed || cfg.natsURL != "" {
			ns, nc, err = connectNATS(cfg, logger)
			if err != nil {
				return 0, err
			}
			defer func() {
				if nc != nil {
					nc.Close()
				}
				if ns != nil {
					ns.Shutdown()
				}
			}()
			transport = raft.NewNATSTransport(nc, cfg.nodeID, logger)
		} else {
			if len(peers) > 0 {
				return 0, fmt.Errorf("raft peers configured but no NATS transport — set --nats-url or --nats-embed")
			}
			transport = raft.NewLocalBus().Transport(cfg.nodeID)
		}

		node, err = raft.New(raft.Config{NodeID: cfg.nodeID, Peers: peers}, store, transport, logger)
		if err != nil {
			// A log that fails to restore means durability was already
			// broken; refuse to run rather than mask it.
			return 0, fmt.Errorf("consensus state corrupt: %w", err)
		}
		if err := node.Start(ctx); err != nil {
			return 0, fmt.Errorf("start consensus: %w", err)
		}
		health.Set(monitor.ComponentRaft, monitor.StateHealthy, "")
	}

	// --- Work distributor ---
	distCfg := distributor.DefaultConfig()
	distCfg.Algorithm = algo
	dist := distributor.New(distCfg, node, logger)
	dist.Start(ctx)
	health.Set(monitor.ComponentDistributor, monitor.StateHealthy, string(algo))

	// --- Gateway ---
	gwCfg := gateway.DefaultConfig()
	gwCfg.Host = cfg.gatewayHost
	gwCfg.Port = cfg.gatewayPort
	gwCfg.ServerVersion = version
	gw := gateway.New(gwCfg, registry, rt, tokens, dist, node, logger)
	if err := gw.Start(ctx); err != nil {
		return 0, err
	}
	health.Set(monitor.ComponentGateway, monitor.StateHealthy, gw.Addr())

	// --- Dev bootstrap ---
	// Without an operator secret there is no way to mint the first
	// gateway token, so dev mode issues one and prints it.
	if cfg.authSecret == "" {
		tok := tokens.Generate("operator", "user", []string{auth.Wildcard}, 24*time.Hour)
		logger.Warn("auth-secret not configured — running in dev mode, admin API disabled")
		logger.Warn("bootstrap admin token issued (valid 24h)",
			zap.String("token", tok.Token))
	}

	// --- Janitor ---
	jan, err := janitor.New(janitor.Config{}, tokens, dist, logger)
	if err != nil {
		return 0, err
	}
	jan.Start()

	// --- Monitoring / admin HTTP API ---
	collector := metrics.NewCollector(gw, tokens, node)
	promReg := metrics.NewRegistry(collector)
	mon := monitor.NewServer(monitor.Config{
		Addr:    cfg.monitorAddr,
		NodeID:  cfg.nodeID,
		Version: version,
		Health:  health,
		Gateway: gw,
		Events:  rt,
		Tokens:  tokens,
		Raft:    node,
		JWT:     jwtMgr,
		Metrics: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Logger:  logger,
	})
	if err := mon.Start(); err != nil {
		return 0, err
	}

	logger.Info("cell0d ready",
		zap.String("gateway_addr", gw.Addr()),
		zap.String("monitor_addr", mon.Addr()))

	<-ctx.Done()
	logger.Info("shutting down cell0d")

	mon.Stop()
	if err := jan.Stop(); err != nil {
		logger.Warn("janitor stop", zap.Error(err))
	}
	gw.Stop()
	dist.Stop()
	if node != nil {
		if err := node.Stop(); err != nil {
			logger.Error("consensus stop", zap.Error(err))
			health.Set(monitor.ComponentRaft, monitor.StateErrored, err.Error())
		}
	}
	if err := store.Close(); err != nil {
		logger.Error("storage close", zap.Error(err))
		health.Set(monitor.ComponentStorage, monitor.StateErrored, err.Error())
	}

	code := health.ExitCode()
	logger.Info("cell0d stopped", zap.Int("exit_code", code))
	return code, nil
}

// openStore builds the configured key/value backend.
func openStore(ctx context.Context, cfg *config) (storage.Store, error) {
	switch cfg.backend {
	case "bolt":
		if err := os.MkdirAll(cfg.dataDir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return storage.OpenBolt(filepath.Join(cfg.dataDir, "raft.db"))
	case "memory":
		return storage.NewMemory(), nil
	case "redis":
		if cfg.redisAddr == "" {
			return nil, fmt.Errorf("--storage=redis requires --redis-addr")
		}
		return storage.OpenRedis(ctx, storage.RedisConfig{Addr: cfg.redisAddr})
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want bolt, memory, or redis)", cfg.backend)
	}
}

// connectNATS starts the embedded broker when requested and connects to
// it (or to the configured external URL).
func connectNATS(cfg *config, logger *zap.Logger) (*natsserver.Server, *nats.Conn, error) {
	url := cfg.natsURL
	var ns *natsserver.Server
	if cfg.natsEmbed {
		var err error
		ns, err = natsserver.NewServer(&natsserver.Options{
			ServerName: "cell0-" + cfg.nodeID,
			Host:       "127.0.0.1",
			Port:       -1, // pick a free port
			NoLog:      true,
			NoSigs:     true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("embedded nats: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, nil, fmt.Errorf("embedded nats not ready")
		}
		url = ns.ClientURL()
		logger.Info("embedded nats broker running", zap.String("url", url))
	}

	nc, err := nats.Connect(url,
		nats.Name("cell0d-"+cfg.nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		if ns != nil {
			ns.Shutdown()
		}
		return nil, nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return ns, nc, nil
}

// applyFile overlays config file values onto cfg for flags the operator
// did not set explicitly: flags win over file, file wins over env
// defaults.
func applyFile(flags *pflag.FlagSet, cfg *config, f *cfgfile.File) {
	set := func(name string) bool { return !flags.Changed(name) }

	if set("node-id") && f.Node.ID != "" {
		cfg.nodeID = f.Node.ID
	}
	if set("data-dir") && f.Node.DataDir != "" {
		cfg.dataDir = f.Node.DataDir
	}
	if set("gateway-host") && f.Gateway.Host != "" {
		cfg.gatewayHost = f.Gateway.Host
	}
	if set("gateway-port") && f.Gateway.Port != 0 {
		cfg.gatewayPort = f.Gateway.Port
	}
	if set("monitor-addr") && f.Monitor.Addr != "" {
		cfg.monitorAddr = f.Monitor.Addr
	}
	if set("auth-secret") && f.Auth.Secret != "" {
		cfg.authSecret = f.Auth.Secret
	}
	if set("raft") && f.Raft.Enabled {
		cfg.raftEnabled = true
	}
	if set("raft-peers") && len(f.Raft.Peers) > 0 {
		cfg.raftPeers = strings.Join(f.Raft.Peers, ",")
	}
	if set("nats-url") && f.NATS.URL != "" {
		cfg.natsURL = f.NATS.URL
	}
	if set("nats-embed") && f.NATS.Embed {
		cfg.natsEmbed = true
	}
	if set("storage") && f.Storage.Backend != "" {
		cfg.backend = f.Storage.Backend
	}
	if set("redis-addr") && f.Storage.RedisAddr != "" {
		cfg.redisAddr = f.Storage.RedisAddr
	}
	if set("algorithm") && f.Distributor.Algorithm != "" {
		cfg.algorithm = f.Distributor.Algorithm
	}
	if set("log-level") && f.Log.Level != "" {
		cfg.logLevel = f.Log.Level
	}
}

func splitPeers(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	peers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
