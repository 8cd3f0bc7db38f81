package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/refundtrack/tax-engine/internal/api"
	"github.com/refundtrack/tax-engine/internal/audit"
	"github.com/refundtrack/tax-engine/internal/automation"
	"github.com/refundtrack/tax-engine/internal/cache"
	"github.com/refundtrack/tax-engine/internal/config"
	"github.com/refundtrack/tax-engine/internal/coordinator"
	"github.com/refundtrack/tax-engine/internal/database"
	"github.com/refundtrack/tax-engine/internal/notify"
	"github.com/refundtrack/tax-engine/internal/reconciler"
	"github.com/refundtrack/tax-engine/internal/referral"
	"github.com/refundtrack/tax-engine/internal/scraper"
	"github.com/refundtrack/tax-engine/internal/secrets"
	"github.com/refundtrack/tax-engine/pkg/logger"
)

type Server struct {
	cfg        *config.Config
	db         *gorm.DB
	logger     *logger.Logger
	router     *gin.Engine
	scraper    *scraper.Scraper
	engine     *automation.Engine
	reconciler *reconciler.Reconciler
	stop       chan struct{}
}

func New(cfg *config.Config, db *gorm.DB, log *logger.Logger) *Server {
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(log))
	router.Use(corsMiddleware())

	vault, err := secrets.NewVault(cfg.SSNEncryptionKey)
	if err != nil {
		log.Fatal("Failed to initialize SSN vault", "error", err)
	}

	scraperInstance, err := scraper.NewScraper(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize portal scraper", "error", err)
	}

	notifyService := notify.NewService(db, log)
	auditService := audit.NewService(db, log)
	referralService := referral.NewService(db, log)
	coord := coordinator.New(db, cfg, log, notifyService, auditService, referralService)
	engine := automation.NewEngine(db, cfg, log, coord, notifyService)
	checkCache := cache.NewCache(cfg.CheckCacheSize, cfg.CheckCacheTTL)
	recon := reconciler.New(db, cfg, log, coord, notifyService, vault, scraperInstance, checkCache)

	server := &Server{
		cfg:        cfg,
		db:         db,
		logger:     log,
		router:     router,
		scraper:    scraperInstance,
		engine:     engine,
		reconciler: recon,
		stop:       make(chan struct{}),
	}

	api.SetupRoutes(router, db, coord, engine, recon, checkCache, log, cfg)

	return server
}

func (s *Server) Run() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("Failed to start server", "error", err)
		}
	}()

	s.startSchedulers()

	s.logger.Info("Server started", "address", srv.Addr, "portal", s.cfg.PortalName)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	s.logger.Info("Shutting down server...")
	close(s.stop)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.scraper.Close(); err != nil {
		s.logger.Error("Failed to close scraper", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("Server forced to shutdown", "error", err)
		return err
	}

	s.logger.Info("Server exited gracefully")
	return nil
}

// startSchedulers runs the daily reminder sweep and the scheduled portal
// sweep on plain tickers. Both operations carry their own guards (feature
// flag, in-flight check), so a missed or doubled tick is harmless.
func (s *Server) startSchedulers() {
	go func() {
		ticker := time.NewTicker(s.cfg.ReminderInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.engine.RunReminderSweep(context.Background()); err != nil {
					s.logger.Error("Scheduled reminder sweep failed", "error", err)
				}
			case <-s.stop:
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.reconciler.RunAllChecks(context.Background(), database.TriggerSchedule, nil); err != nil {
					s.logger.Error("Scheduled portal sweep failed", "error", err)
				}
			case <-s.stop:
				return
			}
		}
	}()
}

func loggingMiddleware(logger *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		clientIP := c.ClientIP()
		method := c.Request.Method
		statusCode := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		logger.Info("HTTP Request",
			"client_ip", clientIP,
			"method", method,
			"path", path,
			"status", statusCode,
			"latency", latency.String(),
			"user_agent", c.Request.UserAgent(),
		)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
