//go:build gocv

package main

import (
	"github.com/adverant/nexus/drawing-worker/internal/config"
	"github.com/adverant/nexus/drawing-worker/internal/planner"
)

func densityEstimator(cfg *config.Config) planner.DensityEstimator {
	return planner.CannyEstimator{MaxSide: cfg.DensitySampleMax}
}
