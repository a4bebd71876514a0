package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerpublisher/internal/api/handler"
	"github.com/jmerrifield20/ledgerpublisher/internal/bundle"
	"github.com/jmerrifield20/ledgerpublisher/internal/checkpoint"
	"github.com/jmerrifield20/ledgerpublisher/internal/guard"
	"github.com/jmerrifield20/ledgerpublisher/internal/watch"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ── serve ────────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve bundles, proofs and checkpoints over HTTP",
	Long: `Serve starts a read-only HTTP API over the output directory:

  GET  /healthz
  GET  /metrics
  GET  /api/v1/bundles
  GET  /api/v1/bundles/:date
  GET  /api/v1/bundles/:date/proofs/:idx
  POST /api/v1/verify
  GET  /api/v1/checkpoints
  GET  /api/v1/checkpoints/verify
  GET  /api/v1/checkpoints/:date
  GET  /api/v1/watch              (when watch.interval > 0 and guard.remote is set)`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP port (default server.port)")
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Stores ───────────────────────────────────────────────────────────────
	profile, err := loadProfile()
	if err != nil {
		return err
	}
	chain, closeChain, err := openChain(ctx, profile.ProfileID)
	if err != nil {
		return err
	}
	defer closeChain()

	outputDir := viper.GetString("output.dir")
	if viper.GetString("checkpoint.store") == "memory" {
		loadChainFromBundles(ctx, chain, outputDir)
	}
	if err := chain.Verify(ctx); err != nil {
		logger.Warn("checkpoint chain integrity check FAILED", zap.Error(err))
	} else {
		n, _ := chain.Len(ctx)
		logger.Info("checkpoint chain verified", zap.Int("checkpoints", n))
	}

	bundleHandler := handler.NewBundleHandler(outputDir, viper.GetDuration("server.cache_ttl"), logger)
	bundleHandler.StartEviction(ctx, time.Minute)
	checkpointHandler := handler.NewCheckpointHandler(chain, logger)

	// ── Watch ────────────────────────────────────────────────────────────────
	var watchHandler *handler.WatchHandler
	if interval := viper.GetDuration("watch.interval"); interval > 0 && viper.GetString("guard.remote") != "none" {
		lookup, _, closeRemote, err := openRemote(ctx)
		if err != nil {
			return err
		}
		defer closeRemote()

		notifier := newNotifier()
		defer notifier.Wait()

		watcher := watch.New(
			watch.NewDirSource(outputDir),
			guard.New(lookup, viper.GetDuration("guard.timeout"), logger),
			watch.Config{
				Interval:      interval,
				Concurrency:   viper.GetInt("watch.concurrency"),
				FailThreshold: viper.GetInt("watch.fail_threshold"),
			},
			logger,
		)
		watcher.SetNotifier(notifier)
		go func() {
			watcher.CheckAll(ctx)
			watcher.Start(ctx)
		}()
		watchHandler = handler.NewWatchHandler(watcher)
		logger.Info("watching published bundles", zap.Duration("interval", interval))
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.PrometheusMiddleware())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	rps := viper.GetInt("server.rate_limit_rps")
	router.Use(handler.RateLimiter(rps, rps*2))
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	bundleHandler.Register(v1)
	checkpointHandler.Register(v1)
	if watchHandler != nil {
		watchHandler.Register(v1)
	}

	port := viper.GetInt("server.port")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledgerpub HTTP listening", zap.Int("port", port), zap.String("output_dir", outputDir))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case err := <-errCh:
		return fmt.Errorf("http listen: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down ledgerpub server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("ledgerpub server stopped")
	return nil
}

// loadChainFromBundles fills an in-memory chain with the checkpoints of the
// bundles on disk, stopping at the first one that does not link.
func loadChainFromBundles(ctx context.Context, chain checkpoint.Chain, outputDir string) {
	dates, err := bundle.Dates(outputDir)
	if err != nil {
		logger.Warn("list bundles for checkpoint chain", zap.Error(err))
		return
	}
	for _, d := range dates {
		b, err := bundle.OpenDate(outputDir, d)
		if err == nil {
			err = chain.Append(ctx, b.Checkpoint)
		}
		if err != nil {
			logger.Warn("checkpoint chain stops before bundle", zap.String("date", d), zap.Error(err))
			return
		}
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
