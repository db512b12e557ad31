package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"bulk-reconciliation-backend/internal/config"
	handler "bulk-reconciliation-backend/internal/handlers"
	"bulk-reconciliation-backend/internal/logger"
	"bulk-reconciliation-backend/internal/metrics"
	"bulk-reconciliation-backend/internal/models"
	"bulk-reconciliation-backend/internal/queue"
	"bulk-reconciliation-backend/internal/report"
	"bulk-reconciliation-backend/internal/repository"
	"bulk-reconciliation-backend/internal/routes"
	"bulk-reconciliation-backend/internal/services/completion"
	"bulk-reconciliation-backend/internal/services/ingest"
	"bulk-reconciliation-backend/internal/services/reconciliation"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	log := logger.GetLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Fatal("failed to configure logger")
	}

	db, err := config.InitDB(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(models.All()...); err != nil {
			log.WithError(err).Fatal("failed to migrate schema")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := metrics.NewRecorder()
	repo := repository.NewBatchRepository(db, cfg.Database)
	q := queue.NewGormQueue(db, cfg.Queue)
	tracker := completion.NewTracker(repo, q, rec)
	ingestor := ingest.NewIngestor(ingest.NewCSVParser(), repo, tracker, rec)

	sink, err := report.NewSink(ctx, cfg.Report)
	if err != nil {
		log.WithError(err).Fatal("failed to create report sink")
	}
	engine := reconciliation.NewEngine(repo, reconciliation.DefaultRecompute, rec)

	worker := queue.NewWorker(q, cfg.Queue, rec)
	worker.Handle(queue.TaskReconcile, engine.Handler(sink))

	// Pick up batches that completed while the previous process was going down.
	if n, err := tracker.Sweep(ctx, 0); err != nil {
		log.WithError(err).Warn("startup sweep incomplete")
	} else if n > 0 {
		log.WithFields(logger.Fields{"dispatched": n}).Info("startup sweep re-dispatched batches")
	}

	r := gin.Default()
	// CORS config
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowOrigins,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	routes.RegisterRoutes(r, handler.NewBatchHandler(ingestor, repo, tracker, cfg.Server.MaxUploadBytes), rec.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	go func() {
		log.WithFields(logger.Fields{"addr": cfg.Server.Addr}).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	tracker.Wait()
	wg.Wait()

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	log.Info("stopped")
}
