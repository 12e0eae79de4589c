// Package coords maps tile-local coordinates back onto the full drawing.
package coords

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/adverant/nexus/drawing-worker/internal/geometry"
	"github.com/adverant/nexus/drawing-worker/internal/model"
)

// ErrIncompleteBatch is returned when a batch references unknown tiles.
var ErrIncompleteBatch = errors.New("coordinate batch incomplete")

// Transformer restores global coordinates for one drawing.
type Transformer struct {
	width, height float64
	tiles         map[string]model.TileSpec
}

// NewTransformer creates a transformer for an image of the given size.
func NewTransformer(width, height int, tiles []model.TileSpec) *Transformer {
	m := make(map[string]model.TileSpec, len(tiles))
	for _, t := range tiles {
		m[t.ID] = t
	}
	return &Transformer{width: float64(width), height: float64(height), tiles: m}
}

// Tile looks up a tile by id.
func (tr *Transformer) Tile(id string) (model.TileSpec, bool) {
	t, ok := tr.tiles[id]
	return t, ok
}

// ToGlobal maps a tile-local point to global pixels, clipped to the image.
func (tr *Transformer) ToGlobal(p geometry.Point, t model.TileSpec) geometry.Point {
	return geometry.Point{
		X: geometry.Clamp(float64(t.OffsetX)+p.X, 0, tr.width),
		Y: geometry.Clamp(float64(t.OffsetY)+p.Y, 0, tr.height),
	}
}

// ToLocal is the inverse of ToGlobal for points inside the tile.
func (tr *Transformer) ToLocal(p geometry.Point, t model.TileSpec) geometry.Point {
	return geometry.Point{X: p.X - float64(t.OffsetX), Y: p.Y - float64(t.OffsetY)}
}

// BBoxToGlobal transforms both corners of a tile-local box.
func (tr *Transformer) BBoxToGlobal(b geometry.BBox, t model.TileSpec) geometry.BBox {
	tl := tr.ToGlobal(geometry.Point{X: b.X1, Y: b.Y1}, t)
	br := tr.ToGlobal(geometry.Point{X: b.X2, Y: b.Y2}, t)
	return geometry.BBox{X1: tl.X, Y1: tl.Y, X2: br.X, Y2: br.Y}
}

// PointRef is a tile-local point awaiting transformation.
type PointRef struct {
	TileID string
	Point  geometry.Point
}

// PointResult is the outcome for one PointRef; OK is false when the tile
// is unknown.
type PointResult struct {
	TileID string
	Point  geometry.Point
	OK     bool
}

// Batch transforms refs in order. The result always has len(refs) entries;
// unknown tiles yield OK=false entries and an ErrIncompleteBatch error.
func (tr *Transformer) Batch(refs []PointRef) ([]PointResult, error) {
	out := make([]PointResult, len(refs))
	var missing []string
	for i, ref := range refs {
		out[i].TileID = ref.TileID
		t, ok := tr.tiles[ref.TileID]
		if !ok {
			missing = append(missing, ref.TileID)
			continue
		}
		out[i].Point = tr.ToGlobal(ref.Point, t)
		out[i].OK = true
	}
	if len(missing) > 0 {
		return out, fmt.Errorf("%w: unknown tiles %s", ErrIncompleteBatch, strings.Join(uniq(missing), ","))
	}
	return out, nil
}

// Results converts successful tile results into global items. Item ids are
// derived from tile, track and position, so they are stable across runs.
func (tr *Transformer) Results(results []model.TileResult) ([]model.GlobalItem, error) {
	var items []model.GlobalItem
	var missing []string
	for _, r := range results {
		if !r.Success {
			continue
		}
		t, ok := tr.tiles[r.TileID]
		if !ok {
			missing = append(missing, r.TileID)
			continue
		}
		for i, it := range r.Items {
			g := tr.BBoxToGlobal(it.BBox, t)
			if !g.Valid() {
				continue
			}
			items = append(items, model.GlobalItem{
				ID:          fmt.Sprintf("%s/%s/%d", r.TileID, r.Track, i),
				TileID:      r.TileID,
				Track:       r.Track,
				BBox:        g,
				LocalBBox:   it.BBox,
				Confidence:  it.Confidence,
				Text:        it.Text,
				ComponentID: it.ComponentID,
				Type:        it.Type,
				Dimensions:  it.Dimensions,
				SourceTiles: []string{r.TileID},
			})
		}
	}
	if len(missing) > 0 {
		return items, fmt.Errorf("%w: unknown tiles %s", ErrIncompleteBatch, strings.Join(uniq(missing), ","))
	}
	return items, nil
}

func uniq(ids []string) []string {
	sort.Strings(ids)
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}
