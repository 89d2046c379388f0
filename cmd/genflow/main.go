// =============================================================================
// GenFlow 主入口
// =============================================================================
// 任务编排服务：多厂商生成式 AI 后端聚合
//
// 使用方法:
//
//	genflow serve                       # 启动服务
//	genflow serve --config config.yaml  # 指定配置文件
//	genflow version                     # 显示版本信息
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/glebarez/sqlite"

	"github.com/BaSui01/genflow/config"
	"github.com/BaSui01/genflow/events"
	"github.com/BaSui01/genflow/gen"
	"github.com/BaSui01/genflow/gen/providers/dalle"
	"github.com/BaSui01/genflow/gen/providers/gemini"
	"github.com/BaSui01/genflow/gen/providers/kling"
	"github.com/BaSui01/genflow/gen/providers/midjourney"
	"github.com/BaSui01/genflow/gen/providers/rembg"
	"github.com/BaSui01/genflow/resource"
	"github.com/BaSui01/genflow/scheduler"
	"github.com/BaSui01/genflow/task"
	"github.com/BaSui01/genflow/upstream"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		configPath := serveCmd.String("config", "", "配置文件路径")
		_ = serveCmd.Parse(os.Args[2:])
		if err := serve(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "serve:", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("genflow %s (built %s)\n", Version, BuildTime)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("usage: genflow <serve|version> [flags]")
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if err := task.AutoMigrate(db); err != nil {
		return err
	}
	if err := upstream.AutoMigrate(db); err != nil {
		return err
	}

	store, err := resource.NewStore(cfg.Resource.Dir)
	if err != nil {
		return err
	}

	registry, err := gen.NewRegistry(
		dalle.New(log),
		gemini.New(log),
		midjourney.New(log),
		kling.New(log),
		rembg.New(log),
	)
	if err != nil {
		return err
	}

	var broadcaster events.Broadcaster = events.NewMemory()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		broadcaster = events.NewRedis(client, log)
	}

	repo := task.NewRepo(db)
	upstreams := upstream.NewRepo(db)
	orch := task.NewOrchestrator(repo, upstreams, registry, store, broadcaster, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller := scheduler.NewPoller(orch, repo, cfg.Poller.Interval, cfg.Poller.QPS, log)
	go poller.Run(ctx)

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	log.Info("genflow started",
		zap.String("version", Version),
		zap.Strings("providers", registry.List()),
		zap.String("db_driver", cfg.Database.Driver))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return metricsSrv.Shutdown(shutdownCtx)
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "mysql":
		return gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	case "sqlite", "":
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
