/**
 * Configuration for the Drawing Analysis Worker
 *
 * Loads configuration from environment variables matching .env.nexus
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL  string
	QueueMode string // "asynq" or "list"

	// Database configuration (postgres://... or sqlite://path)
	DatabaseURL string

	// Qdrant vector database configuration
	QdrantURL        string
	QdrantCollection string

	// API Keys
	VoyageAPIKey string

	// Service URLs
	GraphRAGURL       string
	MageAgentURL      string
	FileProcessAPIURL string // FileProcess API for artifact storage

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout int   // milliseconds, whole job
	PixelBudget       int64 // decoded pixels held in memory across concurrent jobs

	// Tesseract configuration
	TesseractLanguages string

	// Planner thresholds
	SmallAreaPx      int64
	LargeAreaPx      int64
	DenseRatio       float64
	MinTileFraction  float64
	DensitySampleMax int

	// Dispatcher limits
	DispatchWorkers    int
	DispatchBatchSize  int
	DispatchMaxRetries int
	DispatchBackoff    time.Duration
	CallTimeout        time.Duration
	OCRRatePerSecond   float64
	VisionRatePerSec   float64

	// Dedup and fusion thresholds
	IoUThreshold         float64
	TextSimilarity       float64
	EdgeMarginPx         int
	LineHeightPx         int
	AssociationTolerance float64
	PositionTolerance    float64

	// Fallback tier timeouts and quality gates
	TiledVisionTimeout  time.Duration
	DirectVisionTimeout time.Duration
	OCROnlyTimeout      time.Duration
	BasicInfoTimeout    time.Duration
	MinTileSuccessRate  float64
	MinOCRConfidence    float64
	DirectVisionMaxSide int

	// Node environment
	NodeEnv string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:           getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueMode:          strings.ToLower(getEnvOrDefault("QUEUE_MODE", "list")),
		DatabaseURL:        getEnvOrThrow("DATABASE_URL"),
		QdrantURL:          getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:   getEnvOrDefault("QDRANT_COLLECTION", "drawing_transcripts"),
		VoyageAPIKey:       getEnvOrDefault("VOYAGE_API_KEY", ""),
		GraphRAGURL:        getEnvOrDefault("GRAPHRAG_URL", ""),
		MageAgentURL:       getEnvOrDefault("MAGEAGENT_URL", "http://nexus-mageagent:8080"),
		FileProcessAPIURL:  getEnvOrDefault("FILEPROCESS_API_URL", ""),
		WorkerConcurrency:  getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxFileSize:        getEnvAsInt64OrDefault("MAX_FILE_SIZE", 2147483648), // 2GB
		ProcessingTimeout:  getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 1200000),  // 20 minutes
		PixelBudget:        getEnvAsInt64OrDefault("PIXEL_BUDGET", 1<<30),
		TesseractLanguages: getEnvOrDefault("TESSERACT_LANGUAGES", "eng+chi_sim"),

		SmallAreaPx:      getEnvAsInt64OrDefault("PLANNER_SMALL_AREA_PX", 2048*1024),
		LargeAreaPx:      getEnvAsInt64OrDefault("PLANNER_LARGE_AREA_PX", 8192*8192),
		DenseRatio:       getEnvAsFloatOrDefault("PLANNER_DENSE_RATIO", 0.15),
		MinTileFraction:  getEnvAsFloatOrDefault("PLANNER_MIN_TILE_FRACTION", 0.5),
		DensitySampleMax: getEnvAsIntOrDefault("PLANNER_DENSITY_SAMPLE", 512),

		DispatchWorkers:    getEnvAsIntOrDefault("DISPATCH_WORKERS", 8),
		DispatchBatchSize:  getEnvAsIntOrDefault("DISPATCH_BATCH_SIZE", 16),
		DispatchMaxRetries: getEnvAsIntOrDefault("DISPATCH_MAX_RETRIES", 2),
		DispatchBackoff:    getEnvAsDurationOrDefault("DISPATCH_BACKOFF", 500*time.Millisecond),
		CallTimeout:        getEnvAsDurationOrDefault("CALL_TIMEOUT", 90*time.Second),
		OCRRatePerSecond:   getEnvAsFloatOrDefault("OCR_RATE_PER_SECOND", 0),
		VisionRatePerSec:   getEnvAsFloatOrDefault("VISION_RATE_PER_SECOND", 4),

		IoUThreshold:         getEnvAsFloatOrDefault("DEDUP_IOU_THRESHOLD", 0.3),
		TextSimilarity:       getEnvAsFloatOrDefault("DEDUP_TEXT_SIMILARITY", 0.85),
		EdgeMarginPx:         getEnvAsIntOrDefault("DEDUP_EDGE_MARGIN", 20),
		LineHeightPx:         getEnvAsIntOrDefault("DEDUP_LINE_HEIGHT", 0),
		AssociationTolerance: getEnvAsFloatOrDefault("FUSION_ASSOCIATION_TOLERANCE", 10),
		PositionTolerance:    getEnvAsFloatOrDefault("FUSION_POSITION_TOLERANCE", 48),

		TiledVisionTimeout:  getEnvAsDurationOrDefault("TIER_TILED_VISION_TIMEOUT", 10*time.Minute),
		DirectVisionTimeout: getEnvAsDurationOrDefault("TIER_DIRECT_VISION_TIMEOUT", 3*time.Minute),
		OCROnlyTimeout:      getEnvAsDurationOrDefault("TIER_OCR_ONLY_TIMEOUT", 5*time.Minute),
		BasicInfoTimeout:    getEnvAsDurationOrDefault("TIER_BASIC_INFO_TIMEOUT", 30*time.Second),
		MinTileSuccessRate:  getEnvAsFloatOrDefault("GATE_MIN_TILE_SUCCESS_RATE", 0.5),
		MinOCRConfidence:    getEnvAsFloatOrDefault("GATE_MIN_OCR_CONFIDENCE", 0.5),
		DirectVisionMaxSide: getEnvAsIntOrDefault("DIRECT_VISION_MAX_SIDE", 4096),

		NodeEnv: getEnvOrDefault("NODE_ENV", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueMode != "asynq" && c.QueueMode != "list" {
		return fmt.Errorf("QUEUE_MODE must be asynq or list, got %q", c.QueueMode)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 10737418240 { // 1KB to 10GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 10GB, got %d", c.MaxFileSize)
	}

	if c.PixelBudget < 1<<20 {
		return fmt.Errorf("PIXEL_BUDGET must be at least 1MP, got %d", c.PixelBudget)
	}

	if c.SmallAreaPx <= 0 || c.LargeAreaPx <= c.SmallAreaPx {
		return fmt.Errorf("PLANNER_LARGE_AREA_PX (%d) must exceed PLANNER_SMALL_AREA_PX (%d)", c.LargeAreaPx, c.SmallAreaPx)
	}

	if c.MinTileFraction <= 0 || c.MinTileFraction > 1 {
		return fmt.Errorf("PLANNER_MIN_TILE_FRACTION must be in (0,1], got %.2f", c.MinTileFraction)
	}

	if c.DispatchWorkers < 1 || c.DispatchBatchSize < 1 {
		return fmt.Errorf("DISPATCH_WORKERS and DISPATCH_BATCH_SIZE must be positive")
	}

	if c.DispatchMaxRetries < 0 || c.DispatchMaxRetries > 10 {
		return fmt.Errorf("DISPATCH_MAX_RETRIES must be between 0 and 10, got %d", c.DispatchMaxRetries)
	}

	for name, v := range map[string]float64{
		"DEDUP_IOU_THRESHOLD":        c.IoUThreshold,
		"DEDUP_TEXT_SIMILARITY":      c.TextSimilarity,
		"GATE_MIN_TILE_SUCCESS_RATE": c.MinTileSuccessRate,
		"GATE_MIN_OCR_CONFIDENCE":    c.MinOCRConfidence,
		"PLANNER_DENSE_RATIO":        c.DenseRatio,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %.2f", name, v)
		}
	}

	if c.TiledVisionTimeout <= 0 || c.DirectVisionTimeout <= 0 || c.OCROnlyTimeout <= 0 || c.BasicInfoTimeout <= 0 {
		return fmt.Errorf("tier timeouts must be positive")
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrThrow gets environment variable or panics
func getEnvOrThrow(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic(fmt.Sprintf("Required environment variable %s is not set", key))
	}
	return value
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault accepts Go durations ("90s") or plain milliseconds
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	return defaultValue
}
