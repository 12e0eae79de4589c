/**
 * Drawing Analysis Types - Shared data structures for the tiled pipeline
 *
 * Common types passed between the planner, dispatcher, transform, dedup,
 * fusion and fallback stages.
 */

package model

import (
	"fmt"
	"sort"

	"github.com/adverant/nexus/drawing-worker/internal/geometry"
)

// ImageInfo describes a loaded drawing. Immutable once loaded.
type ImageInfo struct {
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	ByteSize        int64         `json:"byte_size"`
	Format          string        `json:"format"`
	Frame           geometry.BBox `json:"frame"`
	FrameDetected   bool          `json:"frame_detected"`
	FrameConfidence float64       `json:"frame_confidence"`
}

// Bounds returns the full image rectangle.
func (i ImageInfo) Bounds() geometry.BBox {
	return geometry.Rect(0, 0, float64(i.Width), float64(i.Height))
}

// Priority orders tiles for dispatch; low priority tiles go last.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank is 0 for high, 1 for medium and 2 for low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Margins are per-side overlap widths. A side with a non-zero margin is a cut
// edge shared with a neighbouring tile; zero means the side lies on the
// content frame boundary.
type Margins struct {
	Top    int `json:"top"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
	Right  int `json:"right"`
}

// TileSpec is one rectangular sub-region of a drawing. Never mutated after
// the planner emits it.
type TileSpec struct {
	ID       string   `json:"id"`
	Row      int      `json:"row"`
	Col      int      `json:"col"`
	OffsetX  int      `json:"offset_x"`
	OffsetY  int      `json:"offset_y"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Overlap  Margins  `json:"overlap"`
	Priority Priority `json:"priority"`
	Density  float64  `json:"density"`
}

// TileID formats the canonical tile identifier for a grid cell.
func TileID(row, col int) string {
	return fmt.Sprintf("r%dc%d", row, col)
}

// Bounds returns the tile rectangle in global coordinates.
func (t TileSpec) Bounds() geometry.BBox {
	return geometry.Rect(float64(t.OffsetX), float64(t.OffsetY), float64(t.Width), float64(t.Height))
}

// Track tags which recognition layer produced an item.
type Track string

const (
	TrackOCR    Track = "ocr"
	TrackVision Track = "vision"
)

// ComponentType is the structural category of a building element.
type ComponentType string

const (
	ComponentColumn     ComponentType = "column"
	ComponentBeam       ComponentType = "beam"
	ComponentWall       ComponentType = "wall"
	ComponentSlab       ComponentType = "slab"
	ComponentFoundation ComponentType = "foundation"
	ComponentOther      ComponentType = "other"
)

// TypeRank gives the output ordering of component types.
func TypeRank(t ComponentType) int {
	switch t {
	case ComponentColumn:
		return 0
	case ComponentBeam:
		return 1
	case ComponentWall:
		return 2
	case ComponentSlab:
		return 3
	case ComponentFoundation:
		return 4
	default:
		return 5
	}
}

// TileItem is one recognized item in tile-local coordinates.
type TileItem struct {
	Track       Track         `json:"track"`
	BBox        geometry.BBox `json:"bbox"`
	Confidence  float64       `json:"confidence"`
	Text        string        `json:"text,omitempty"`
	ComponentID string        `json:"component_id,omitempty"`
	Type        ComponentType `json:"type,omitempty"`
	Dimensions  string        `json:"dimensions,omitempty"`
}

// Failure is the explicit marker for a (tile, track) pair that could not be
// recognized; it is never represented as an empty item list.
type Failure struct {
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// TileResult is the outcome of one (tile, track) recognition call.
type TileResult struct {
	TileID     string     `json:"tile_id"`
	Track      Track      `json:"track"`
	Success    bool       `json:"success"`
	Items      []TileItem `json:"items,omitempty"`
	Failure    *Failure   `json:"failure,omitempty"`
	Attempts   int        `json:"attempts"`
	DurationMs int64      `json:"duration_ms"`
}

// SortTileResults orders results by tile id then track.
func SortTileResults(results []TileResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].TileID != results[j].TileID {
			return results[i].TileID < results[j].TileID
		}
		return results[i].Track < results[j].Track
	})
}

// GlobalItem is a TileItem restored to global image coordinates.
type GlobalItem struct {
	ID          string        `json:"id"`
	TileID      string        `json:"tile_id"`
	Track       Track         `json:"track"`
	BBox        geometry.BBox `json:"bbox"`
	LocalBBox   geometry.BBox `json:"local_bbox"`
	Confidence  float64       `json:"confidence"`
	Text        string        `json:"text,omitempty"`
	ComponentID string        `json:"component_id,omitempty"`
	Type        ComponentType `json:"type,omitempty"`
	Dimensions  string        `json:"dimensions,omitempty"`
	EdgeText    bool          `json:"edge_text,omitempty"`
	SourceTiles []string      `json:"source_tiles,omitempty"`
	Band        int           `json:"band"`
	Order       int           `json:"order"`
}

// Label is the text used for similarity comparisons.
func (g GlobalItem) Label() string {
	if g.Text != "" {
		return g.Text
	}
	if g.ComponentID != "" {
		return g.ComponentID
	}
	return string(g.Type)
}

// Sources returns the contributing tile ids, falling back to the origin tile.
func (g GlobalItem) Sources() []string {
	if len(g.SourceTiles) > 0 {
		return g.SourceTiles
	}
	return []string{g.TileID}
}
