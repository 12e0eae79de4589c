// Package planner decides how a drawing is cut into overlapping tiles.
//
// Tile size follows the content-frame area and ink density; the grid covers
// the frame completely, undersized tail tiles are folded into their
// neighbour, and tiles are returned with dense (high priority) regions first.
package planner

import (
	"fmt"
	"image"
	"math"
	"sort"

	apperrors "github.com/adverant/nexus/drawing-worker/internal/errors"
	"github.com/adverant/nexus/drawing-worker/internal/geometry"
	"github.com/adverant/nexus/drawing-worker/internal/logging"
	"github.com/adverant/nexus/drawing-worker/internal/model"
)

// Size categories reported on a plan.
const (
	CategorySmall       = "small"
	CategoryMedium      = "medium"
	CategoryMediumDense = "medium_dense"
	CategoryLarge       = "large"
)

// Frame confidence when the frame was supplied, detected, or defaulted to
// the whole image.
const (
	FrameConfidenceExplicit = 1.0
	FrameConfidenceDetected = 0.9
	FrameConfidenceFallback = 0.5
)

// Config holds planner thresholds.
type Config struct {
	SmallArea       int64   // frame area below this uses 512/64 tiles
	LargeArea       int64   // frame area above this uses 2048/256 tiles
	DenseRatio      float64 // medium images denser than this use 768/96 tiles
	MediumDensity   float64 // local density at or above this is medium priority
	MinTileFraction float64 // tail tiles narrower than this fraction of the tile are folded
	SampleMaxSide   int     // longest side of the density sample
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		SmallArea:       2048 * 1024,
		LargeArea:       8192 * 8192,
		DenseRatio:      0.15,
		MediumDensity:   0.05,
		MinTileFraction: 0.5,
		SampleMaxSide:   512,
	}
}

// Input is what the planner needs to know about a drawing. Raster, Frame and
// Density are optional; missing values are estimated or defaulted.
type Input struct {
	Info    model.ImageInfo
	Raster  image.Image
	Frame   *geometry.BBox
	Density *float64
}

// Plan is the planner's output.
type Plan struct {
	TileSize        int              `json:"tile_size"`
	Overlap         int              `json:"overlap"`
	Category        string           `json:"category"`
	Rows            int              `json:"rows"`
	Cols            int              `json:"cols"`
	Density         float64          `json:"density"`
	Frame           geometry.BBox    `json:"frame"`
	FrameDetected   bool             `json:"frame_detected"`
	FrameConfidence float64          `json:"frame_confidence"`
	Tiles           []model.TileSpec `json:"tiles"`
	Dropped         int              `json:"dropped"`
}

// Lookup indexes the plan's tiles by id.
func (p *Plan) Lookup() map[string]model.TileSpec {
	m := make(map[string]model.TileSpec, len(p.Tiles))
	for _, t := range p.Tiles {
		m[t.ID] = t
	}
	return m
}

// Planner computes tile plans. Safe for concurrent use.
type Planner struct {
	cfg       Config
	estimator DensityEstimator
	logger    *logging.Logger
}

// New creates a planner. A nil estimator selects the built-in Sobel estimator.
func New(cfg Config, estimator DensityEstimator, logger *logging.Logger) *Planner {
	if estimator == nil {
		estimator = SobelEstimator{MaxSide: cfg.SampleMaxSide}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Planner{cfg: cfg, estimator: estimator, logger: logger}
}

// SelectTileSize applies the size decision table.
func SelectTileSize(cfg Config, area int64, density float64) (tile, overlap int, category string) {
	switch {
	case area < cfg.SmallArea:
		return 512, 64, CategorySmall
	case area > cfg.LargeArea:
		return 2048, 256, CategoryLarge
	case density > cfg.DenseRatio:
		return 768, 96, CategoryMediumDense
	default:
		return 1024, 128, CategoryMedium
	}
}

// GridSize is ceil((dim-overlap)/(tile-overlap)), at least 1.
func GridSize(dim, tile, overlap int) int {
	stride := tile - overlap
	if stride <= 0 || dim <= overlap {
		return 1
	}
	n := int(math.Ceil(float64(dim-overlap) / float64(stride)))
	if n < 1 {
		return 1
	}
	return n
}

// Plan computes the tile grid for a drawing. Geometry problems (zero-size
// image or frame) are returned as fatal geometry errors; a failed frame
// detection is not an error.
func (p *Planner) Plan(in Input) (*Plan, error) {
	if in.Info.Width <= 0 || in.Info.Height <= 0 {
		return nil, apperrors.NewGeometryError("", fmt.Sprintf("invalid image size %dx%d", in.Info.Width, in.Info.Height), nil)
	}

	var dmap *DensityMap
	if in.Raster != nil && (in.Density == nil || in.Frame == nil) {
		m, err := p.estimator.Estimate(in.Raster)
		if err != nil {
			p.logger.Warn("density estimation failed", "error", err)
		} else {
			dmap = m
		}
	}

	frame, detected, frameConf := p.resolveFrame(in, dmap)
	fw, fh := int(math.Round(frame.Width())), int(math.Round(frame.Height()))
	if fw <= 0 || fh <= 0 {
		return nil, apperrors.NewGeometryError("", fmt.Sprintf("content frame %+v has no area", frame), nil)
	}

	density := 0.0
	switch {
	case in.Density != nil:
		density = *in.Density
	case dmap != nil:
		density = dmap.Ratio(frame)
	}

	area := int64(fw) * int64(fh)
	tile, overlap, category := SelectTileSize(p.cfg, area, density)

	cols, droppedCols := axisSegments(fw, tile, overlap, p.cfg.MinTileFraction)
	rows, droppedRows := axisSegments(fh, tile, overlap, p.cfg.MinTileFraction)

	originX, originY := int(math.Round(frame.X1)), int(math.Round(frame.Y1))
	tiles := make([]model.TileSpec, 0, len(rows)*len(cols))
	for r, rs := range rows {
		for c, cs := range cols {
			t := model.TileSpec{
				ID:      model.TileID(r, c),
				Row:     r,
				Col:     c,
				OffsetX: originX + cs.start,
				OffsetY: originY + rs.start,
				Width:   cs.length,
				Height:  rs.length,
				Overlap: model.Margins{
					Top:    rs.before,
					Bottom: rs.after,
					Left:   cs.before,
					Right:  cs.after,
				},
			}
			if dmap != nil {
				t.Density = dmap.Ratio(t.Bounds())
			} else {
				t.Density = density
			}
			t.Priority = p.priorityFor(t.Density)
			tiles = append(tiles, t)
		}
	}

	sort.SliceStable(tiles, func(i, j int) bool {
		a, b := tiles[i], tiles[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})

	fullRows, fullCols := len(rows)+droppedRows, len(cols)+droppedCols
	plan := &Plan{
		TileSize:        tile,
		Overlap:         overlap,
		Category:        category,
		Rows:            len(rows),
		Cols:            len(cols),
		Density:         density,
		Frame:           frame,
		FrameDetected:   detected,
		FrameConfidence: frameConf,
		Tiles:           tiles,
		Dropped:         fullRows*fullCols - len(rows)*len(cols),
	}

	p.logger.Info("tile plan ready",
		"category", category,
		"tile", tile,
		"overlap", overlap,
		"grid", fmt.Sprintf("%dx%d", plan.Rows, plan.Cols),
		"density", fmt.Sprintf("%.3f", density),
		"frame_detected", detected,
		"dropped", plan.Dropped)

	return plan, nil
}

func (p *Planner) resolveFrame(in Input, dmap *DensityMap) (geometry.BBox, bool, float64) {
	full := in.Info.Bounds()
	if in.Frame != nil {
		f := in.Frame.Normalize().Clip(full.X2, full.Y2)
		if f.Valid() {
			return f, true, FrameConfidenceExplicit
		}
		p.logger.Warn("explicit frame outside image, using full image", "frame", *in.Frame)
		return full, false, FrameConfidenceFallback
	}
	if dmap != nil {
		if f, ok := dmap.InkBounds(); ok {
			pad := 0.01 * math.Max(full.X2, full.Y2)
			f = f.Expand(pad).Clip(full.X2, full.Y2)
			// a frame covering under 1% of the sheet is noise, not content
			if f.Valid() && f.Area() >= 0.01*full.Area() {
				return f, true, FrameConfidenceDetected
			}
		}
	}
	p.logger.Warn("content frame not detected, using full image")
	return full, false, FrameConfidenceFallback
}

func (p *Planner) priorityFor(density float64) model.Priority {
	switch {
	case density >= p.cfg.DenseRatio:
		return model.PriorityHigh
	case density >= p.cfg.MediumDensity:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

type segment struct {
	start, length int
	before, after int // overlap shared with the previous and next segment
}

// axisSegments lays tiles along one axis of length dim. An undersized tail
// is dropped and the previous segment extended to the end so the axis stays
// covered. A lone segment is never dropped.
func axisSegments(dim, tile, overlap int, minFraction float64) ([]segment, int) {
	n := GridSize(dim, tile, overlap)
	stride := tile - overlap
	segs := make([]segment, 0, n)
	for i := 0; i < n; i++ {
		start := i * stride
		segs = append(segs, segment{start: start, length: min(tile, dim-start)})
	}

	dropped := 0
	if n > 1 && float64(segs[n-1].length) < minFraction*float64(tile) {
		segs = segs[:n-1]
		last := &segs[len(segs)-1]
		last.length = dim - last.start
		dropped = 1
	}

	for i := range segs {
		if i > 0 {
			prev := segs[i-1]
			shared := prev.start + prev.length - segs[i].start
			segs[i].before = shared
			segs[i-1].after = shared
		}
	}
	return segs, dropped
}
