/**
 * Recognition collaborator contracts
 *
 * The OCR engine and the vision service are external. Their payloads are
 * normalized into tagged variants here, at the boundary, so the rest of the
 * pipeline never sees malformed boxes or out-of-range confidences.
 */

package recognition

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/adverant/nexus/drawing-worker/internal/geometry"
	"github.com/adverant/nexus/drawing-worker/internal/model"
)

// OCRItem is one recognized text run in tile-local pixels.
type OCRItem struct {
	Text       string
	BBox       geometry.BBox
	Confidence float64
}

// OCRResult is the OCR engine's answer for one image.
type OCRResult struct {
	Success bool
	Items   []OCRItem
	Engine  string
}

// VisionDetection is one structural element found by the vision service.
type VisionDetection struct {
	ComponentID string
	Type        model.ComponentType
	Dimensions  string
	BBox        geometry.BBox
	Confidence  float64
}

// VisionResult is the vision service's answer for one image.
type VisionResult struct {
	Success    bool
	Components []VisionDetection
	Summary    string
	Model      string
}

// Hints are OCR-derived facts about a tile that the vision prompt may use.
type Hints struct {
	ComponentIDs []string `json:"component_ids,omitempty"`
	Dimensions   []string `json:"dimensions,omitempty"`
	Materials    []string `json:"materials,omitempty"`
	AxisLabels   []string `json:"axis_labels,omitempty"`
}

// Empty reports whether no hint is set.
func (h Hints) Empty() bool {
	return len(h.ComponentIDs)+len(h.Dimensions)+len(h.Materials)+len(h.AxisLabels) == 0
}

// PromptContext accompanies a vision call.
type PromptContext struct {
	TileID string
	Width  int
	Height int
	Hints  Hints
}

// OCREngine recognizes text with positions.
type OCREngine interface {
	Recognize(ctx context.Context, image []byte) (*OCRResult, error)
}

// VisionAnalyzer detects structural components.
type VisionAnalyzer interface {
	AnalyzeComponents(ctx context.Context, image []byte, pc PromptContext) (*VisionResult, error)
}

// ToTileItems converts OCR items into tile items, dropping malformed entries.
func (r *OCRResult) ToTileItems(w, h int) []model.TileItem {
	if r == nil {
		return nil
	}
	items := make([]model.TileItem, 0, len(r.Items))
	for _, it := range r.Items {
		text := strings.TrimSpace(it.Text)
		box, ok := normalizeBox(it.BBox, w, h)
		if text == "" || !ok {
			continue
		}
		items = append(items, model.TileItem{
			Track:      model.TrackOCR,
			BBox:       box,
			Confidence: ClampConfidence(it.Confidence),
			Text:       text,
		})
	}
	return items
}

// ToTileItems converts detections into tile items, dropping malformed entries.
func (r *VisionResult) ToTileItems(w, h int) []model.TileItem {
	if r == nil {
		return nil
	}
	items := make([]model.TileItem, 0, len(r.Components))
	for _, d := range r.Components {
		box, ok := normalizeBox(d.BBox, w, h)
		if !ok {
			continue
		}
		id := strings.TrimSpace(d.ComponentID)
		typ := d.Type
		if typ == "" {
			typ = model.ComponentOther
		}
		items = append(items, model.TileItem{
			Track:       model.TrackVision,
			BBox:        box,
			Confidence:  ClampConfidence(d.Confidence),
			Text:        id,
			ComponentID: id,
			Type:        typ,
			Dimensions:  strings.TrimSpace(d.Dimensions),
		})
	}
	return items
}

// normalizeBox orders the corners and clips to the tile; w or h of zero
// disables clipping on that axis.
func normalizeBox(b geometry.BBox, w, h int) (geometry.BBox, bool) {
	b = b.Normalize()
	if w > 0 && h > 0 {
		b = b.Clip(float64(w), float64(h))
	}
	return b, b.Valid()
}

// ClampConfidence maps confidences onto [0,1]; percentages are accepted.
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 && c <= 100 {
		c /= 100
	}
	return math.Min(c, 1)
}

var typeSynonyms = map[string]model.ComponentType{
	"column": model.ComponentColumn, "col": model.ComponentColumn, "pillar": model.ComponentColumn,
	"柱": model.ComponentColumn, "框架柱": model.ComponentColumn,
	"beam": model.ComponentBeam, "girder": model.ComponentBeam, "梁": model.ComponentBeam,
	"框架梁": model.ComponentBeam, "连梁": model.ComponentBeam,
	"wall": model.ComponentWall, "shear_wall": model.ComponentWall, "shearwall": model.ComponentWall,
	"墙": model.ComponentWall, "剪力墙": model.ComponentWall,
	"slab": model.ComponentSlab, "floor": model.ComponentSlab, "板": model.ComponentSlab, "楼板": model.ComponentSlab,
	"foundation": model.ComponentFoundation, "footing": model.ComponentFoundation, "pile_cap": model.ComponentFoundation,
	"基础": model.ComponentFoundation, "承台": model.ComponentFoundation,
}

// ParseComponentType maps a free-form type label onto a ComponentType.
func ParseComponentType(label string) model.ComponentType {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if t, ok := typeSynonyms[key]; ok {
		return t
	}
	for _, syn := range synonymsByLength {
		if strings.Contains(key, syn) {
			return typeSynonyms[syn]
		}
	}
	return model.ComponentOther
}

// synonymsByLength holds the multi-character synonyms, longest first, for
// substring matching.
var synonymsByLength = func() []string {
	var out []string
	for syn := range typeSynonyms {
		if len(syn) > 3 {
			out = append(out, syn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}()
