// Package main is the entry point for the cell0-agent worker binary.
// It connects to the control-plane gateway, authenticates with a gateway
// token, advertises its task-type capabilities, and executes assigned
// work units until stopped.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build executor (handler table + worker pool)
//  4. Build client (WebSocket connection loop)
//  5. Start executor workers and the connection loop
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YigremTamiru/cell0-os-sub002/internal/agentclient"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL     string
	token         string
	agentID       string
	capabilities  string
	maxConcurrent int
	logLevel      string
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
		Use:   "cell0-agent",
		Short: "cell0-agent — worker agent for the cell0 control plane",
		Long: `cell0-agent runs on each worker machine. It connects to the
control-plane gateway over WebSocket, authenticates with a gateway token,
advertises its capabilities, reports host load, and executes assigned
work units (compute.echo, compute.sleep, system.info).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server", envOrDefault("CELL0_SERVER", "ws://localhost:18801/"), "Gateway WebSocket URL")
	root.PersistentFlags().StringVar(&cfg.token, "token", envOrDefault("CELL0_TOKEN", ""), "Gateway token for auth.authenticate (required)")
	root.PersistentFlags().StringVar(&cfg.agentID, "agent-id", envOrDefault("CELL0_AGENT_ID", defaultAgentID()), "Agent entity id")
	root.PersistentFlags().StringVar(&cfg.capabilities, "capabilities", envOrDefault("CELL0_CAPABILITIES", ""), "Extra comma-separated capability names")
	root.PersistentFlags().IntVar(&cfg.maxConcurrent, "max-concurrent", envOrDefaultInt("CELL0_MAX_CONCURRENT", 4), "Maximum work units executing at once")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CELL0_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cell0-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(cmd *cobra.Command, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.token == "" {
		return fmt.Errorf("gateway token is required — set --token or CELL0_TOKEN")
	}

	logger.Info("starting cell0-agent",
		zap.String("version", version),
		zap.String("server", cfg.serverURL),
		zap.String("agent_id", cfg.agentID),
		zap.Int("max_concurrent", cfg.maxConcurrent),
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	exec := agentclient.NewExecutor(cfg.maxConcurrent, logger)

	client := agentclient.New(agentclient.Config{
		ServerURL:    cfg.serverURL,
		Token:        cfg.token,
		AgentID:      cfg.agentID,
		Capabilities: splitCapabilities(cfg.capabilities),
		Version:      version,
	}, exec, logger)

	// The executor workers and the connection loop run concurrently;
	// both stop on ctx cancellation.
	go exec.Run(ctx, client)

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM).
	client.Run(ctx)

	logger.Info("cell0-agent stopped")
	return nil
}

// defaultAgentID derives a stable id from the hostname so a fleet rollout
// works without per-machine flags.
func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "agent-local"
	}
	return "agent-" + host
}

func splitCapabilities(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	caps := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			caps = append(caps, p)
		}
	}
	return caps
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
