package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetmesh/server/internal/agentstore"
	"github.com/fleetmesh/server/internal/api"
	"github.com/fleetmesh/server/internal/auth"
	"github.com/fleetmesh/server/internal/credentialstore"
	"github.com/fleetmesh/server/internal/db"
	"github.com/fleetmesh/server/internal/dispatcher"
	"github.com/fleetmesh/server/internal/enrollment"
	"github.com/fleetmesh/server/internal/events"
	"github.com/fleetmesh/server/internal/hub"
	"github.com/fleetmesh/server/internal/jobstore"
	"github.com/fleetmesh/server/internal/notification"
	"github.com/fleetmesh/server/internal/registry"
	"github.com/fleetmesh/server/internal/repositories"
	"github.com/fleetmesh/server/internal/repository"
	"github.com/fleetmesh/server/internal/websocket"
	"github.com/fleetmesh/server/internal/workflow"
	"github.com/fleetmesh/server/internal/wsgateway"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	grpcAddr      string
	dbDriver      string
	dbDSN         string
	secretKey     string
	serverID      string
	logLevel      string
	dataDir       string
	legacyToken   string
	secureCookies bool
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
		Use:   "fleetmesh-server",
		Short: "fleetmesh server — central agent-mesh orchestration server",
		Long: `fleetmesh server is the central orchestration point of the fleetmesh
agent mesh. It admits nodes via certificate or bootstrap token, tracks their
live presence, assigns and supervises jobs through an explicit state machine,
and exposes an admin REST surface for job and agent management.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FLEETMESH_HTTP_ADDR", ":8080"), "HTTP admin API listen address")
	root.PersistentFlags().StringVar(&cfg.grpcAddr, "grpc-addr", envOrDefault("FLEETMESH_GRPC_ADDR", ":9090"), "gRPC server listen address for agents")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FLEETMESH_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FLEETMESH_DB_DSN", "./fleetmesh.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("FLEETMESH_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.serverID, "server-id", envOrDefault("FLEETMESH_SERVER_ID", "fleetmesh-server"), "Identity embedded in every issued certificate")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLEETMESH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("FLEETMESH_DATA_DIR", "./data"), "Directory for server data (RSA keys, JWT keys, etc.)")
	root.PersistentFlags().StringVar(&cfg.legacyToken, "legacy-agent-token", envOrDefault("FLEETMESH_LEGACY_AGENT_TOKEN", ""), "Shared secret accepted from pre-certificate agents (empty = disabled)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("FLEETMESH_SECURE_COOKIES", "false") == "true", "Set Secure flag on auth cookies (enable in production over HTTPS)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetmesh-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or FLEETMESH_SECRET_KEY")
	}

	logger.Info("starting fleetmesh server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("grpc_addr", cfg.grpcAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must run before opening the database so EncryptedString
	// fields (OIDC client secrets) can encrypt/decrypt transparently.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Admin-session auth (repositories + JWT) ---
	userRepo := repository.NewUserRepository(gormDB)
	refreshTokenRepo := repository.NewRefreshTokenRepository(gormDB)
	oidcProviderRepo := repository.NewOIDCProviderRepository(gormDB)

	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	localProvider := auth.NewLocalAuthProvider(userRepo, refreshTokenRepo, jwtManager)
	oidcProvider := auth.NewOIDCAuthProvider(oidcProviderRepo, userRepo, refreshTokenRepo, jwtManager)
	authService := auth.NewAuthService(localProvider, oidcProvider, refreshTokenRepo, jwtManager)

	// --- 4. Orchestration core (C1-C6) ---
	certs := credentialstore.New(gormDB, cfg.serverID, logger)
	if err := certs.InitializeServerKeys(cfg.dataDir); err != nil {
		return fmt.Errorf("failed to initialize server key-pair: %w", err)
	}

	bus := events.NewBus()

	enroll := enrollment.New(gormDB, certs, bus, logger)
	if _, err := enroll.SweepExpired(ctx); err != nil {
		logger.Warn("sweeping expired enrollment requests failed", zap.Error(err))
	}

	reg := registry.New(registry.Config{}, logger)
	reg.StartHeartbeatMonitor()
	defer reg.Stop()

	agents := agentstore.New(gormDB)

	jobs, err := jobstore.NewStore(ctx, gormDB)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}

	hubCfg := hub.Config{ListenAddr: cfg.grpcAddr, LegacyAPIToken: cfg.legacyToken}
	h := hub.New(hubCfg, reg, agents, jobs, certs, enroll, nil, bus, logger)

	disp := dispatcher.New(jobs, reg, h, bus, dispatcher.Config{}, logger)
	h.SetDispatcher(disp)

	if err := disp.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover dispatcher state: %w", err)
	}
	disp.Start(ctx)
	defer disp.Stop()

	// --- Workflow DAG runner (supplemented feature, spec.md §1) ---
	workflowStore := workflow.NewStore(gormDB)
	workflowRunner, err := workflow.New(workflowStore, jobs, disp, bus, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize workflow runner: %w", err)
	}
	if err := workflowRunner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start workflow runner: %w", err)
	}
	defer workflowRunner.Stop() //nolint:errcheck

	// --- 5. gRPC hub ---
	go func() {
		if err := h.ListenAndServe(ctx); err != nil {
			logger.Error("gRPC hub server error", zap.Error(err))
			cancel()
		}
	}()

	// --- 6. Browser-facing WebSocket fan-out ---
	wsHub := websocket.NewHub()
	go wsHub.Run(ctx)

	gateway := wsgateway.New(bus, wsHub, logger)
	go gateway.Run(ctx)

	// --- Operational alert delivery (email/webhook, admin notifications) ---
	notifRepo := repositories.NewNotificationRepository(gormDB)
	settingsRepo := repositories.NewSettingsRepository(gormDB)
	notifSvc := notification.NewService(notification.Config{
		Bus:          bus,
		NotifRepo:    notifRepo,
		UserRepo:     userRepo,
		SettingsRepo: settingsRepo,
		Hub:          wsHub,
		Logger:       logger,
	})
	go notifSvc.Run(ctx)

	// --- 7. HTTP admin API ---
	router := api.NewRouter(api.RouterConfig{
		AuthService:   authService,
		Logger:        logger,
		Registry:      reg,
		Agents:        agents,
		Jobs:          jobs,
		Dispatcher:    disp,
		Certificates:  certs,
		Enrollment:    enroll,
		WorkflowRunner: workflowRunner,
		WorkflowStore:  workflowStore,
		Users:         userRepo,
		OIDCProviders: oidcProviderRepo,
		Notifications: notifRepo,
		WSHub:         wsHub,
		Secure:        cfg.secureCookies,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down fleetmesh server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("fleetmesh server stopped")
	return nil
}

// buildJWTManager loads RSA keys from the data directory if available, or
// generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "fleetmesh-server")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("fleetmesh-server")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
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
