// Package main is the entry point for the fleetmesh-agent binary.
// It wires all internal packages together and starts the connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load or generate the node's long-lived key-pair
//  4. Optionally connect to Docker (non-fatal if unavailable)
//  5. Build the executor and register its reference command handlers
//  6. Build the connection manager (gRPC client over the Session stream)
//  7. Start the executor worker and connection loop
//  8. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetmesh/agent/internal/connection"
	"github.com/fleetmesh/agent/internal/docker"
	"github.com/fleetmesh/agent/internal/executor"
	"github.com/fleetmesh/agent/internal/hooks"
	"github.com/fleetmesh/agent/internal/identity"
	"github.com/fleetmesh/shared/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverAddr     string
	displayName    string
	group          string
	capabilities   string
	bootstrapToken string
	apiToken       string
	stateDir       string
	dockerSocket   string
	logLevel       string
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
		Use:   "fleetmesh-agent",
		Short: "fleetmesh agent — reference worker node for the fleetmesh mesh",
		Long: `fleetmesh agent runs on a worker node. It enrolls with the server,
maintains a persistent bidirectional session, and executes the commands it
is assigned using a small registry of reference handlers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverAddr, "server-addr", envOrDefault("FLEETMESH_SERVER", "localhost:9090"), "fleetmesh server gRPC address (host:port)")
	root.PersistentFlags().StringVar(&cfg.displayName, "display-name", envOrDefault("FLEETMESH_DISPLAY_NAME", hostnameOrDefault()), "Display name presented at registration")
	root.PersistentFlags().StringVar(&cfg.group, "group", envOrDefault("FLEETMESH_GROUP", "default"), "Group membership for job routing")
	root.PersistentFlags().StringVar(&cfg.capabilities, "capabilities", envOrDefault("FLEETMESH_CAPABILITIES", "shell,echo"), "Comma-separated capability names declared at registration")
	root.PersistentFlags().StringVar(&cfg.bootstrapToken, "bootstrap-token", envOrDefault("FLEETMESH_BOOTSTRAP_TOKEN", ""), "Bootstrap token used to enroll for a certificate (subject to admin approval)")
	root.PersistentFlags().StringVar(&cfg.apiToken, "legacy-api-token", envOrDefault("FLEETMESH_LEGACY_API_TOKEN", ""), "Legacy shared-secret token, for servers that have not enabled certificate admission")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("FLEETMESH_STATE_DIR", defaultStateDir()), "Directory for node identity, certificate, and agent state")
	root.PersistentFlags().StringVar(&cfg.dockerSocket, "docker-socket", envOrDefault("FLEETMESH_DOCKER_SOCKET", ""), "Docker socket path (empty = platform default)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLEETMESH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetmesh-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.bootstrapToken == "" && cfg.apiToken == "" {
		logger.Warn("no bootstrap token or legacy API token configured — registration will fail unless a certificate is already cached in state-dir")
	}

	logger.Info("starting fleetmesh agent",
		zap.String("version", version),
		zap.String("server", cfg.serverAddr),
		zap.String("state_dir", cfg.stateDir),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Node identity ---
	id, err := identity.Load(cfg.stateDir)
	if err != nil {
		return fmt.Errorf("failed to load node identity: %w", err)
	}

	// --- Docker client (optional) ---
	// Docker is best-effort: if the socket is unavailable or the daemon is
	// not running, the agent starts normally but rejects docker.* commands.
	var dockerClient *docker.Client
	dc, err := docker.NewClient(cfg.dockerSocket)
	if err != nil {
		logger.Warn("failed to create Docker client, docker.* commands unavailable", zap.Error(err))
	} else if pingErr := dc.Ping(ctx); pingErr != nil {
		logger.Warn("Docker daemon unreachable, docker.* commands unavailable", zap.Error(pingErr))
		dc.Close()
	} else {
		dockerClient = dc
		defer dockerClient.Close()
		logger.Info("Docker daemon reachable")
	}

	// --- Executor + reference command handlers ---
	exec := executor.New(logger)
	exec.RegisterHandler("echo", executor.EchoHandler)
	exec.RegisterHandler("shell.exec", executor.NewShellExecHandler(hooks.NewRunner(0)))
	if dockerClient != nil {
		exec.RegisterHandler("docker.inspect_volume", executor.NewDockerInspectVolumeHandler(dockerClient))
	}

	// --- Connection manager ---
	connCfg := connection.Config{
		ServerAddr:     cfg.serverAddr,
		DisplayName:    cfg.displayName,
		Group:          cfg.group,
		Capabilities:   parseCapabilities(cfg.capabilities),
		BootstrapToken: cfg.bootstrapToken,
		APIToken:       cfg.apiToken,
		StateDir:       cfg.stateDir,
		Metadata:       map[string]string{"version": version},
	}

	mgr := connection.New(connCfg, exec, id, logger)

	// --- Start ---
	// The executor worker and connection manager run concurrently, both
	// respecting ctx cancellation for graceful shutdown.
	go exec.Run(ctx, mgr)

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM).
	mgr.Run(ctx)

	logger.Info("fleetmesh agent stopped")
	return nil
}

func parseCapabilities(raw string) []types.Capability {
	names := strings.Split(raw, ",")
	caps := make([]types.Capability, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		caps = append(caps, types.Capability{Name: n})
	}
	return caps
}

func hostnameOrDefault() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "fleetmesh-agent"
}

// defaultStateDir returns the platform-appropriate default state directory.
// On Linux/macOS: ~/.fleetmesh
// On Windows:     %APPDATA%\fleetmesh
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.fleetmesh"
	}
	return ".fleetmesh"
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
