package recognition

import (
	"testing"

	"github.com/adverant/nexus/drawing-worker/internal/geometry"
	"github.com/adverant/nexus/drawing-worker/internal/model"
)

func TestOCRToTileItemsDropsMalformed(t *testing.T) {
	r := &OCRResult{Success: true, Items: []OCRItem{
		{Text: " KZ1 ", BBox: geometry.BBox{X1: 30, Y1: 20, X2: 10, Y2: 5}, Confidence: 91},
		{Text: "   ", BBox: geometry.Rect(0, 0, 5, 5), Confidence: 0.9},
		{Text: "C30", BBox: geometry.Rect(500, 500, 10, 10), Confidence: 0.9},
		{Text: "600x600", BBox: geometry.Rect(90, 90, 30, 30), Confidence: -1},
	}}

	items := r.ToTileItems(100, 100)
	if len(items) != 2 {
		t.Fatalf("items = %+v, want 2", items)
	}
	if items[0].Text != "KZ1" || items[0].BBox != (geometry.BBox{X1: 10, Y1: 5, X2: 30, Y2: 20}) || items[0].Confidence != 0.91 {
		t.Errorf("first item = %+v", items[0])
	}
	if items[1].BBox.X2 != 100 || items[1].Confidence != 0 {
		t.Errorf("second item not clipped/clamped: %+v", items[1])
	}
	for _, it := range items {
		if it.Track != model.TrackOCR {
			t.Errorf("track = %s", it.Track)
		}
	}
}

func TestVisionToTileItemsDefaultsType(t *testing.T) {
	r := &VisionResult{Success: true, Components: []VisionDetection{
		{ComponentID: "KL2", BBox: geometry.Rect(0, 0, 50, 10), Confidence: 0.8},
		{ComponentID: "KZ1", Type: model.ComponentColumn, BBox: geometry.BBox{}, Confidence: 0.8},
	}}
	items := r.ToTileItems(0, 0)
	if len(items) != 1 || items[0].Type != model.ComponentOther || items[0].ComponentID != "KL2" {
		t.Fatalf("items = %+v", items)
	}
}

func TestParseComponentType(t *testing.T) {
	tests := map[string]model.ComponentType{
		"Column":       model.ComponentColumn,
		"框架柱":          model.ComponentColumn,
		"shear wall":   model.ComponentWall,
		"Pile-Cap":     model.ComponentFoundation,
		"frame_beam_x": model.ComponentBeam,
		"hatch":        model.ComponentOther,
		"楼板":           model.ComponentSlab,
	}
	for in, want := range tests {
		if got := ParseComponentType(in); got != want {
			t.Errorf("ParseComponentType(%q) = %s, want %s", in, got, want)
		}
	}
}
