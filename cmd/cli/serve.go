package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"storeflow/internal/config"
	"storeflow/internal/handlers"
	"storeflow/internal/observability"
	"storeflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveHost       string
	servePort       int
	serveMigrate    bool
	serveDispatcher bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the automation engine",
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "auto-migrate automation tables on start")
	serveCmd.Flags().BoolVar(&serveDispatcher, "dispatcher", true, "run the redis resume dispatcher in-process")
}

func serve(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		log.Warnf("init tracing: %v", err)
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	if serveMigrate {
		if err := services.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	var rdb redis.UniversalClient
	if needsRedis(cfg) {
		rdb = openRedis(cfg)
		defer rdb.Close()
	}
	scheduler, err := services.NewScheduler(cfg.Automation, rdb, log)
	if err != nil {
		return err
	}
	engine := services.NewEngine(db, scheduler, cfg.Automation, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go engine.Feed.Run(ctx)
	if rdb != nil && serveDispatcher {
		d := newDispatcher(cfg, rdb, log)
		go func() {
			if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("resume dispatcher stopped: %v", err)
			}
		}()
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	deps := handlers.RouterDeps{DB: db, Redis: rdb, Engine: engine, Logger: log, Version: Version}
	if hs, ok := scheduler.(*services.HTTPScheduler); ok {
		deps.Breaker = hs.Breaker()
	}
	router := handlers.NewRouter(cfg, deps)

	host := firstNonEmpty(serveHost, cfg.Server.Host)
	port := servePort
	if port == 0 {
		port = cfg.Server.Port
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	// 优雅关闭
	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("Server exited")
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
