package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/routergate/gateway/internal/classifier"
	"github.com/routergate/gateway/internal/config"
	"github.com/routergate/gateway/internal/database"
	"github.com/routergate/gateway/internal/gateway"
	"github.com/routergate/gateway/internal/health"
	"github.com/routergate/gateway/internal/invoker"
	"github.com/routergate/gateway/internal/logsink"
	"github.com/routergate/gateway/internal/orchestrator"
	"github.com/routergate/gateway/internal/registry"
	"github.com/routergate/gateway/internal/selector"
	"github.com/routergate/gateway/internal/version"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Println(version.Info())
			os.Exit(0)
		case "--init":
			if err := runInit(); err != nil {
				log.Fatalf("init: %v", err)
			}
			os.Exit(0)
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		}
	}
	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func printUsage() {
	fmt.Printf("routergate gatewayd - %s\n\n", version.Short())
	fmt.Println("Usage: gatewayd [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config PATH  Path to config document (default: config.yaml)")
	fmt.Println("  --init         Write config.example.yaml")
	fmt.Println("  --version, -v  Show version information")
	fmt.Println("  --help, -h     Show this help message")
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config document")
	flag.Parse()

	// Bootstrap logger for the config-loading phase itself; replaced once
	// the real log level is known.
	bootstrapLogger, _ := zap.NewProduction()

	store, err := config.NewStore(*configPath, bootstrapLogger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := store.Get()

	logger, err := newLogger(cfg.General.LogLevel, getLogDir())
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	store.Watch()

	logger.Info("starting gatewayd",
		zap.String("version", version.Short()),
		zap.String("host", cfg.Proxy.Host),
		zap.Int("port", cfg.Proxy.Port),
	)

	dbPath := getDBPath()
	db, err := database.New(dbPath)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	sink := logsink.New(db, logger)
	if err := pruneOldLogs(sink, cfg.General.LogRetentionDays); err != nil {
		logger.Warn("log retention prune failed", zap.Error(err))
	}

	healthRegistry := health.New(cfg.Health.ToPenaltyMap(), cfg.Health.DecayPerMinute, cfg.Health.SnapBackFactor, cfg.Health.PersistPath, logger)
	if err := healthRegistry.Load(); err != nil {
		logger.Warn("failed to load persisted health stats", zap.Error(err))
	}

	persistCtx, cancelPersist := context.WithCancel(context.Background())
	healthRegistry.StartPersistLoop(persistCtx, 15*time.Second)
	defer func() {
		cancelPersist()
		healthRegistry.Stop()
	}()

	reg := registry.New(store)
	sel := selector.New(healthRegistry, time.Now().UnixNano())
	inv := invoker.New(logger)
	cl := classifier.New(store, logger)

	orch := orchestrator.New(store, reg, sel, inv, healthRegistry, logger)

	gw := gateway.New(store, cl, orch, healthRegistry, sink, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      gw.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // streaming responses need a long write timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func pruneOldLogs(sink *logsink.Sink, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	_, err := sink.Prune(ctx, cutoff)
	return err
}

func newLogger(level string, logDir string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug", "DEBUG":
		zapLevel = zap.DebugLevel
	case "warn", "WARN":
		zapLevel = zap.WarnLevel
	case "error", "ERROR":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "gatewayd.log"),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}

	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderCfg),
		zapcore.AddSync(lj),
		zapLevel,
	)

	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	stdoutCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l < zapcore.WarnLevel
		}),
	)
	stderrCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l >= zapcore.WarnLevel
		}),
	)

	core := zapcore.NewTee(fileCore, stdoutCore, stderrCore)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	), nil
}

func getLogDir() string {
	if dir := os.Getenv("GATEWAY_LOGS_DIR"); dir != "" {
		return dir
	}
	return "logs"
}

func getDBPath() string {
	if p := os.Getenv("GATEWAY_DB"); p != "" {
		return p
	}
	return "data/gatewayd.db"
}
