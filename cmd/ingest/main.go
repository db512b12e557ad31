// Command ingest loads a batch from local chunk files straight into the
// database, several chunks at a time. Each file is one chunk; files are
// numbered in lexical order starting at 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"bulk-reconciliation-backend/internal/config"
	"bulk-reconciliation-backend/internal/logger"
	"bulk-reconciliation-backend/internal/metrics"
	"bulk-reconciliation-backend/internal/models"
	"bulk-reconciliation-backend/internal/queue"
	"bulk-reconciliation-backend/internal/repository"
	"bulk-reconciliation-backend/internal/services/completion"
	"bulk-reconciliation-backend/internal/services/ingest"

	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	batchID := flag.String("batch", "", "batch id")
	pattern := flag.String("files", "", "glob matching the chunk files, e.g. 'chunks/*.csv'")
	parallel := flag.Int("parallel", 4, "chunks processed concurrently")
	flag.Parse()

	log := logger.GetLogger()
	if *batchID == "" || *pattern == "" {
		fmt.Fprintln(os.Stderr, "usage: ingest -batch <id> -files <glob> [-parallel n] [-config file]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Fatal("failed to configure logger")
	}

	files, err := filepath.Glob(*pattern)
	if err != nil {
		log.WithError(err).Fatal("invalid file pattern")
	}
	if len(files) == 0 {
		log.WithFields(logger.Fields{"pattern": *pattern}).Fatal("no chunk files found")
	}
	sort.Strings(files)

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
	tracker := completion.NewTracker(repo, queue.NewGormQueue(db, cfg.Queue), rec)
	ingestor := ingest.NewIngestor(ingest.NewCSVParser(), repo, tracker, rec)

	total := len(files)
	var accepted, rejected atomic.Int64
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*parallel)
	for chunk, path := range files {
		chunk, path := chunk, path
		g.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := ingestor.ProcessChunk(gctx, ingest.ChunkUpload{
				BatchID:        *batchID,
				ChunkNumber:    chunk,
				ExpectedChunks: &total,
				Payload:        f,
			})
			if err != nil {
				return fmt.Errorf("chunk %d (%s): %w", chunk, path, err)
			}
			accepted.Add(int64(res.Accepted))
			rejected.Add(int64(res.Rejected))
			return nil
		})
	}

	err = g.Wait()
	tracker.Wait()

	entry := log.WithFields(logger.Fields{
		"batch_id": *batchID,
		"chunks":   total,
		"accepted": accepted.Load(),
		"rejected": rejected.Load(),
		"elapsed":  time.Since(started).String(),
	})
	if err != nil {
		entry.WithError(err).Fatal("ingestion failed")
	}

	batch, err := repo.GetBatch(context.Background(), *batchID)
	if err != nil {
		entry.WithError(err).Fatal("failed to read batch")
	}
	entry.WithFields(logger.Fields{"status": batch.Status}).Info("ingestion finished")
}
