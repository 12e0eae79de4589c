/**
 * Drawing Analysis Worker - Main Entry Point
 *
 * Go worker for tiled recognition of large engineering drawings.
 *
 * Architecture:
 * - Redis LIST or Asynq consumer for the drawing job queue
 * - Tile planner, bounded dispatcher and coordinate transform
 * - Per-track dedup and OCR/vision fusion into canonical components
 * - Fallback ladder: TILED_VISION -> DIRECT_VISION -> OCR_ONLY -> BASIC_IMAGE_INFO
 * - PostgreSQL (or SQLite) run persistence, Qdrant transcript vectors,
 *   GraphRAG indexing and FileProcess artifact storage
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/drawing-worker/internal/clients"
	"github.com/adverant/nexus/drawing-worker/internal/config"
	"github.com/adverant/nexus/drawing-worker/internal/logging"
	"github.com/adverant/nexus/drawing-worker/internal/ocr"
	"github.com/adverant/nexus/drawing-worker/internal/processor"
	"github.com/adverant/nexus/drawing-worker/internal/queue"
	"github.com/adverant/nexus/drawing-worker/internal/storage"
	"github.com/joho/godotenv"
)

const listQueueName = "drawing:jobs"

// consumer is the lifecycle shared by both queue modes.
type consumer interface {
	start() error
	stop() error
}

type listConsumer struct{ c *queue.RedisConsumer }

func (l listConsumer) start() error { return l.c.Start() }
func (l listConsumer) stop() error  { return l.c.Stop() }

type asynqConsumer struct{ c *queue.Consumer }

func (a asynqConsumer) start() error { return a.c.Start(context.Background()) }
func (a asynqConsumer) stop() error  { return a.c.Stop(context.Background()) }

func main() {
	logger := logging.NewLogger("Worker")
	fatal := func(msg string, kv ...interface{}) {
		logger.Error(msg, kv...)
		os.Exit(1)
	}

	if err := godotenv.Load(".env.nexus"); err != nil {
		logger.Warn(".env.nexus not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fatal("failed to load configuration", "error", err)
	}
	logger.Info("drawing worker starting",
		"redis", cfg.RedisURL,
		"queue_mode", cfg.QueueMode,
		"qdrant", cfg.QdrantURL,
		"workers", cfg.WorkerConcurrency,
		"env", cfg.NodeEnv)

	runs, err := storage.OpenRunStore(cfg.DatabaseURL)
	if err != nil {
		fatal("failed to open run store", "error", err)
	}

	var vectors storage.VectorIndex
	if cfg.QdrantURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		qc, err := storage.NewQdrantClient(ctx, cfg.QdrantURL, cfg.QdrantCollection)
		cancel()
		if err != nil {
			logger.Warn("Qdrant unavailable, transcripts will not be vector-indexed", "error", err)
		} else {
			vectors = qc
			if info, err := qc.GetCollectionInfo(context.Background()); err == nil {
				logger.Info("Qdrant collection ready", "collection", info["collection_name"], "points", info["points_count"])
			}
		}
	}

	storageManager, err := storage.NewStorageManager(runs, vectors)
	if err != nil {
		fatal("failed to initialize storage manager", "error", err)
	}
	defer storageManager.Close()

	pcfg := &processor.ProcessorConfig{
		Settings:  processor.SettingsFromConfig(cfg),
		OCR:       ocr.NewTesseractOCR(&ocr.TesseractConfig{Languages: cfg.TesseractLanguages}),
		Storage:   storageManager,
		Estimator: densityEstimator(cfg),
		Logger:    logging.NewLogger("DrawingProcessor"),
	}

	if cfg.MageAgentURL != "" {
		mage := clients.NewMageAgentClient(cfg.MageAgentURL)
		checkHealth(logger, "MageAgent", mage.HealthCheck)
		pcfg.Vision = mage
	}
	if cfg.VoyageAPIKey != "" {
		embedder, err := processor.NewEmbeddingClient(cfg.VoyageAPIKey)
		if err != nil {
			fatal("failed to create embedding client", "error", err)
		}
		pcfg.Embedder = embedder
	}
	if cfg.GraphRAGURL != "" {
		graph := clients.NewGraphRAGClient(cfg.GraphRAGURL)
		checkHealth(logger, "GraphRAG", graph.HealthCheck)
		pcfg.Indexer = graph
	}
	if cfg.FileProcessAPIURL != "" {
		artifacts := clients.NewArtifactClient(cfg.FileProcessAPIURL)
		checkHealth(logger, "FileProcess", artifacts.HealthCheck)
		pcfg.Artifacts = artifacts
	}

	proc, err := processor.NewDrawingProcessor(pcfg)
	if err != nil {
		fatal("failed to initialize drawing processor", "error", err)
	}

	var qc consumer
	switch cfg.QueueMode {
	case "asynq":
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         "drawing",
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
			Logger:            logging.NewLogger("Consumer"),
		})
		if err != nil {
			fatal("failed to initialize asynq consumer", "error", err)
		}
		qc = asynqConsumer{c}
	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         listQueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
			Logger:            logging.NewLogger("RedisConsumer"),
		})
		if err != nil {
			fatal("failed to initialize queue consumer", "error", err)
		}
		qc = listConsumer{c}
	}

	if err := qc.start(); err != nil {
		fatal("failed to start queue consumer", "error", err)
	}
	logger.Info("drawing worker ready, waiting for jobs",
		"queue_mode", cfg.QueueMode,
		"workers", cfg.WorkerConcurrency,
		"pixel_budget", cfg.PixelBudget)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal, shutting down", "signal", sig.String())

	if err := qc.stop(); err != nil {
		logger.Error("error stopping queue consumer", "error", err)
	}
	logger.Info("shutdown complete")
}

// checkHealth logs unreachable collaborators without stopping startup; the
// fallback ladder degrades around them per job.
func checkHealth(logger *logging.Logger, name string, check func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := check(ctx); err != nil {
		logger.Warn("collaborator health check failed", "service", name, "error", err)
		return
	}
	logger.Info("collaborator reachable", "service", name)
}
