package processor

import (
	"time"

	"github.com/adverant/nexus/drawing-worker/internal/config"
	"github.com/adverant/nexus/drawing-worker/internal/dedup"
	"github.com/adverant/nexus/drawing-worker/internal/dispatcher"
	"github.com/adverant/nexus/drawing-worker/internal/fusion"
	"github.com/adverant/nexus/drawing-worker/internal/planner"
)

// Settings collects the per-stage configuration of one processor.
type Settings struct {
	Planner  planner.Config
	Dispatch dispatcher.Config
	Dedup    dedup.Config
	Fusion   fusion.Config

	TiledVisionTimeout  time.Duration
	DirectVisionTimeout time.Duration
	OCROnlyTimeout      time.Duration
	BasicInfoTimeout    time.Duration

	MinTileSuccessRate  float64
	MinOCRConfidence    float64
	DirectVisionMaxSide int

	MaxFileSize int64
	PixelBudget int64
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		Planner:             planner.DefaultConfig(),
		Dispatch:            dispatcher.DefaultConfig(),
		Dedup:               dedup.DefaultConfig(),
		Fusion:              fusion.DefaultConfig(),
		TiledVisionTimeout:  10 * time.Minute,
		DirectVisionTimeout: 3 * time.Minute,
		OCROnlyTimeout:      5 * time.Minute,
		BasicInfoTimeout:    30 * time.Second,
		MinTileSuccessRate:  0.5,
		MinOCRConfidence:    0.5,
		DirectVisionMaxSide: 4096,
		MaxFileSize:         2 << 30,
		PixelBudget:         1 << 30,
	}
}

// SettingsFromConfig maps the worker configuration onto stage settings.
// Stage options with no environment variable keep their defaults.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := DefaultSettings()
	if cfg == nil {
		return s
	}

	s.Planner.SmallArea = cfg.SmallAreaPx
	s.Planner.LargeArea = cfg.LargeAreaPx
	s.Planner.DenseRatio = cfg.DenseRatio
	s.Planner.MinTileFraction = cfg.MinTileFraction
	s.Planner.SampleMaxSide = cfg.DensitySampleMax

	s.Dispatch.Workers = cfg.DispatchWorkers
	s.Dispatch.BatchSize = cfg.DispatchBatchSize
	s.Dispatch.MaxRetries = cfg.DispatchMaxRetries
	s.Dispatch.InitialBackoff = cfg.DispatchBackoff
	s.Dispatch.CallTimeout = cfg.CallTimeout
	s.Dispatch.OCRRate = cfg.OCRRatePerSecond
	s.Dispatch.VisionRate = cfg.VisionRatePerSec

	s.Dedup.IoUThreshold = cfg.IoUThreshold
	s.Dedup.TextSimilarity = cfg.TextSimilarity
	s.Dedup.EdgeMargin = float64(cfg.EdgeMarginPx)
	s.Dedup.LineHeight = float64(cfg.LineHeightPx)

	s.Fusion.AssociationTolerance = cfg.AssociationTolerance
	s.Fusion.PositionTolerance = cfg.PositionTolerance

	s.TiledVisionTimeout = cfg.TiledVisionTimeout
	s.DirectVisionTimeout = cfg.DirectVisionTimeout
	s.OCROnlyTimeout = cfg.OCROnlyTimeout
	s.BasicInfoTimeout = cfg.BasicInfoTimeout
	s.MinTileSuccessRate = cfg.MinTileSuccessRate
	s.MinOCRConfidence = cfg.MinOCRConfidence
	s.DirectVisionMaxSide = cfg.DirectVisionMaxSide

	s.MaxFileSize = cfg.MaxFileSize
	if cfg.PixelBudget > 0 {
		s.PixelBudget = cfg.PixelBudget
	}
	return s
}
