package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vladadzumka89-spec/camunda-processes/internal/config"
	"github.com/vladadzumka89-spec/camunda-processes/internal/enginetransport"
	"github.com/vladadzumka89-spec/camunda-processes/internal/githubclient"
	"github.com/vladadzumka89-spec/camunda-processes/internal/handlers/audit"
	"github.com/vladadzumka89-spec/camunda-processes/internal/handlers/clickbot"
	"github.com/vladadzumka89-spec/camunda-processes/internal/handlers/deploy"
	"github.com/vladadzumka89-spec/camunda-processes/internal/handlers/ghhandlers"
	"github.com/vladadzumka89-spec/camunda-processes/internal/handlers/notify"
	"github.com/vladadzumka89-spec/camunda-processes/internal/handlers/sync"
	"github.com/vladadzumka89-spec/camunda-processes/internal/jobrun"
	"github.com/vladadzumka89-spec/camunda-processes/internal/obs"
	"github.com/vladadzumka89-spec/camunda-processes/internal/odooclient"
	"github.com/vladadzumka89-spec/camunda-processes/internal/sshpool"
	"github.com/vladadzumka89-spec/camunda-processes/internal/supervisor"
	"github.com/vladadzumka89-spec/camunda-processes/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var workerName string

	root := &cobra.Command{
		Use:   "camunda-processes-worker",
		Short: "CI/CD orchestration worker bridging Zeebe, GitHub and Odoo",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), workerName)
		},
	}

	root.AddCommand(newVersionCmd())
	root.PersistentFlags().StringVar(&workerName, "worker-name", envOrDefault("WORKER_NAME", "camunda-processes-worker"), "worker identity reported to the engine on ActivateJobs")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("camunda-processes-worker %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, workerName string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, level, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	// The broadcaster is created before any handler is registered and
	// teed into every logger below so GET /webhook/stream carries the
	// same job-scoped log lines every handler already emits, instead of
	// sitting unfed behind its own silent keepalive pings.
	logBroadcaster := webhook.NewLogBroadcaster()
	logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, webhook.NewLogCore(logBroadcaster, level))
	}))

	logger.Info("starting camunda-processes worker",
		zap.String("version", version),
		zap.String("worker_name", workerName),
		zap.String("engine_address", cfg.Engine.Address),
		zap.Int("webhook_port", cfg.Webhook.Port),
		zap.Int("server_count", len(cfg.Servers)),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Engine transport ---
	factory := enginetransport.New(cfg.Engine)
	tokens := factory.TokenManager()
	if tokens == nil {
		tokens = enginetransport.NewTokenManager(cfg.Engine)
	}

	// --- 2. Remote-host and third-party clients ---
	sshPool := sshpool.New(cfg.SSHKeyPath, logger)
	defer sshPool.Close()

	ghClient := githubclient.New(cfg.GitHub.Token, cfg.GitHub.DeployPAT)
	odooClient := odooclient.New(odooclient.Config{
		WebhookURL: cfg.Odoo.WebhookURL,
		ProjectID:  cfg.Odoo.ProjectID,
		AssigneeID: cfg.Odoo.AssigneeID,
	})

	// --- 3. Metrics ---
	metrics := obs.New(prometheus.DefaultRegisterer)
	obs.SSHPoolGaugeFunc(prometheus.DefaultRegisterer, sshPool.ActiveConnections)

	// --- 4. Job runtime and handler registrations ---
	runtime := jobrun.New(factory, workerName, logger)
	runtime.SetMetrics(metrics)
	for _, reg := range deploy.Handlers(cfg, sshPool, logger) {
		runtime.Register(reg)
	}
	for _, reg := range ghhandlers.Handlers(cfg, ghClient, sshPool, logger) {
		runtime.Register(reg)
	}
	for _, reg := range sync.Handlers(cfg, sshPool, ghClient, logger) {
		runtime.Register(reg)
	}
	for _, reg := range audit.Handlers(cfg, sshPool, logger) {
		runtime.Register(reg)
	}
	for _, reg := range clickbot.Handlers(cfg, sshPool, logger) {
		runtime.Register(reg)
	}
	for _, reg := range notify.Handlers(cfg, odooClient, tokens, logger) {
		runtime.Register(reg)
	}

	// --- 5. Webhook server ---
	webhookServer := webhook.New(cfg, factory, logger, logBroadcaster)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Webhook.Host, cfg.Webhook.Port),
		Handler:      webhookServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- 6. Supervisor ---
	sup := supervisor.New(logger,
		supervisor.Component{Name: "jobrun", Runner: supervisor.RunnerFunc(runtime.Run)},
		supervisor.Component{Name: "webhook", Runner: supervisor.HTTPServer{Server: httpSrv, ShutdownTimeout: 15 * time.Second}},
	)

	logger.Info("webhook server listening", zap.String("addr", httpSrv.Addr))
	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("supervisor exited with error: %w", err)
	}

	logger.Info("camunda-processes worker stopped")
	return nil
}

// buildLogger constructs a zap logger whose encoding and level follow
// level, ported from server/cmd/server/main.go's buildLogger: development
// encoding at debug, production (JSON) encoding otherwise. The returned
// AtomicLevel is reused by the log-streaming core teed in by run, so the
// webhook stream is gated at the same level as the primary output.
func buildLogger(level string) (*zap.Logger, zap.AtomicLevel, error) {
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

	logger, err := cfg.Build()
	return logger, cfg.Level, err
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
