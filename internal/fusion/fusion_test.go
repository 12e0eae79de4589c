package fusion

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/adverant/nexus/drawing-worker/internal/classify"
	"github.com/adverant/nexus/drawing-worker/internal/geometry"
	"github.com/adverant/nexus/drawing-worker/internal/model"
	"github.com/adverant/nexus/drawing-worker/internal/similarity"
)

func newEngine() *Engine {
	dict := similarity.NewDictionary(0.85)
	cfg := DefaultConfig()
	cfg.Namespace = "dwg-1"
	return New(cfg, dict, classify.New(dict), nil)
}

func vis(id, tile, mark string, typ model.ComponentType, box geometry.BBox, conf float64) model.GlobalItem {
	return model.GlobalItem{ID: id, TileID: tile, Track: model.TrackVision, ComponentID: mark, Text: mark, Type: typ, BBox: box, Confidence: conf}
}

func txt(id, tile, text string, box geometry.BBox, conf float64) model.GlobalItem {
	return model.GlobalItem{ID: id, TileID: tile, Track: model.TrackOCR, Text: text, BBox: box, Confidence: conf}
}

func TestFuseCrossValidatesMatchingTracks(t *testing.T) {
	v := vis("v1", "r0c0", "KZ1", model.ComponentColumn, geometry.Rect(100, 100, 100, 100), 0.8)
	v.Dimensions = "600×600"
	ocr := []model.GlobalItem{
		txt("o1", "r0c0", "KZ-1", geometry.Rect(120, 110, 30, 12), 0.7),
		txt("o2", "r0c0", "600x600", geometry.Rect(120, 130, 50, 12), 0.6),
		txt("o3", "r0c0", "C30", geometry.Rect(120, 150, 20, 12), 0.9),
	}

	res := newEngine().Fuse(ocr, []model.GlobalItem{v})
	if len(res.Components) != 1 {
		t.Fatalf("components = %+v", res.Components)
	}
	c := res.Components[0]
	if want := 1 - (1-0.7)*(1-0.8); math.Abs(c.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", c.Confidence, want)
	}
	if !c.CrossValidated || c.VisionOnly {
		t.Errorf("flags = cross %v vision-only %v", c.CrossValidated, c.VisionOnly)
	}
	if c.ComponentID != "KZ1" || c.Dimensions != "600x600" || c.Material != "C30" || c.Type != model.ComponentColumn {
		t.Errorf("component = %+v", c)
	}
	if len(res.Annotations) != 0 {
		t.Errorf("associated text must not become annotations: %+v", res.Annotations)
	}
}

func TestFuseConflictPrefersConfidentSource(t *testing.T) {
	v := vis("v1", "r0c0", "KZ1", model.ComponentColumn, geometry.Rect(0, 0, 80, 80), 0.6)
	ocr := []model.GlobalItem{txt("o1", "r0c0", "KZ3", geometry.Rect(10, 10, 20, 10), 0.9)}

	res := newEngine().Fuse(ocr, []model.GlobalItem{v})
	c := res.Components[0]
	if c.ComponentID != "KZ3" {
		t.Errorf("component id = %s, want KZ3", c.ComponentID)
	}
	if len(c.Audit) != 1 {
		t.Fatalf("audit = %+v", c.Audit)
	}
	a := c.Audit[0]
	if a.OCRValue != "KZ3" || a.VisionValue != "KZ1" || a.Chosen != "KZ3" || a.Field != "component_id" {
		t.Errorf("audit = %+v", a)
	}
	if c.CrossValidated || c.Confidence != 0.6 {
		t.Errorf("conflict must not boost confidence: %+v", c)
	}
	if res.Statistics.Conflicts != 1 {
		t.Errorf("conflicts = %d", res.Statistics.Conflicts)
	}
}

func TestFusePartialAgreementWithConflictDoesNotBoost(t *testing.T) {
	v := vis("v1", "r0c0", "KZ1", model.ComponentColumn, geometry.Rect(0, 0, 120, 120), 0.6)
	v.Dimensions = "600x600"
	ocr := []model.GlobalItem{
		txt("o1", "r0c0", "KZ3", geometry.Rect(10, 10, 20, 10), 0.9),
		txt("o2", "r0c0", "600x600", geometry.Rect(10, 40, 50, 10), 0.8),
	}

	c := newEngine().Fuse(ocr, []model.GlobalItem{v}).Components[0]
	if len(c.Audit) != 1 || c.Audit[0].Field != "component_id" {
		t.Fatalf("audit = %+v", c.Audit)
	}
	if c.CrossValidated || c.Confidence != 0.6 {
		t.Errorf("matching dimensions must not outweigh an id conflict: cross %v conf %v", c.CrossValidated, c.Confidence)
	}
}

func TestFuseKeepsVisionOnlyAndAnnotations(t *testing.T) {
	v := vis("v1", "r0c0", "KL2", model.ComponentBeam, geometry.Rect(0, 0, 300, 40), 0.7)
	ocr := []model.GlobalItem{txt("o1", "r0c0", "KZ9", geometry.Rect(500, 500, 20, 10), 0.95)}

	res := newEngine().Fuse(ocr, []model.GlobalItem{v})
	if len(res.Components) != 1 {
		t.Fatalf("unmatched OCR must not be promoted: %+v", res.Components)
	}
	c := res.Components[0]
	if !c.VisionOnly || c.Confidence != 0.7 {
		t.Errorf("vision-only component = %+v", c)
	}
	if len(res.Annotations) != 1 || res.Annotations[0].Text != "KZ9" || res.Annotations[0].Category != string(classify.CategoryComponentID) {
		t.Errorf("annotations = %+v", res.Annotations)
	}
	if res.Statistics.VisionOnly != 1 || res.Statistics.Annotations != 1 {
		t.Errorf("stats = %+v", res.Statistics)
	}
}

func TestFuseGroupsFuzzyMarksAcrossTiles(t *testing.T) {
	vision := []model.GlobalItem{
		vis("v1", "r0c0", "KZ1", model.ComponentColumn, geometry.Rect(380, 100, 40, 40), 0.9),
		vis("v2", "r0c1", "K21", model.ComponentColumn, geometry.Rect(382, 101, 40, 40), 0.7),
		vis("v3", "r1c1", "KZ-1", model.ComponentColumn, geometry.Rect(900, 900, 40, 40), 0.8),
		vis("v4", "r1c1", "KZ2", model.ComponentColumn, geometry.Rect(700, 700, 40, 40), 0.8),
	}
	res := newEngine().Fuse(nil, vision)

	if len(res.Components) != 2 {
		t.Fatalf("components = %d, want KZ1 and KZ2", len(res.Components))
	}
	kz1 := res.Components[0]
	if kz1.ComponentID != "KZ1" || kz1.Quantity != 2 || len(kz1.Instances) != 2 {
		t.Fatalf("KZ1 = %+v", kz1)
	}
	if !reflect.DeepEqual(kz1.RawIDs, []string{"K21", "KZ-1", "KZ1"}) {
		t.Errorf("raw ids = %v", kz1.RawIDs)
	}
	if !reflect.DeepEqual(kz1.Instances[0].SourceTiles, []string{"r0c0", "r0c1"}) {
		t.Errorf("first instance sources = %v", kz1.Instances[0].SourceTiles)
	}
	if !reflect.DeepEqual(kz1.SourceTiles, []string{"r0c0", "r0c1", "r1c1"}) {
		t.Errorf("sources = %v", kz1.SourceTiles)
	}
	if kz1.Position != kz1.Instances[0].BBox.Center() {
		t.Errorf("position should be the first instance centre")
	}
	st := res.Statistics
	if st.CountsByType[model.ComponentColumn] != 3 || st.QuantityByID["KZ1"] != 2 || st.QuantityByID["KZ2"] != 1 || st.TotalQuantity != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestFuseKeepsNeighbouringSerialsApart(t *testing.T) {
	vision := []model.GlobalItem{
		vis("v1", "r0c0", "WKL1001", model.ComponentBeam, geometry.Rect(100, 100, 300, 30), 0.9),
		vis("v2", "r3c3", "WKL1002", model.ComponentBeam, geometry.Rect(3000, 3000, 300, 30), 0.9),
		vis("v3", "r3c3", "KZL1003", model.ComponentBeam, geometry.Rect(3000, 3400, 300, 30), 0.9),
	}
	res := newEngine().Fuse(nil, vision)

	if len(res.Components) != 3 {
		t.Fatalf("components = %d, want 3", len(res.Components))
	}
	for _, c := range res.Components {
		if c.Quantity != 1 || len(c.RawIDs) != 1 {
			t.Errorf("%s quantity = %d raw = %v", c.ComponentID, c.Quantity, c.RawIDs)
		}
	}
	st := res.Statistics
	if st.QuantityByID["WKL1001"] != 1 || st.QuantityByID["WKL1002"] != 1 || st.TotalQuantity != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestFuseGroupsUnnamedByTypeAndPosition(t *testing.T) {
	vision := []model.GlobalItem{
		vis("v1", "r0c0", "", model.ComponentSlab, geometry.Rect(0, 0, 200, 200), 0.6),
		vis("v2", "r0c1", "", model.ComponentSlab, geometry.Rect(5, 0, 200, 200), 0.7),
		vis("v3", "r0c1", "", model.ComponentWall, geometry.Rect(5, 0, 200, 200), 0.7),
		vis("v4", "r1c1", "", model.ComponentSlab, geometry.Rect(1000, 1000, 200, 200), 0.7),
	}
	res := newEngine().Fuse(nil, vision)
	if len(res.Components) != 3 {
		t.Fatalf("components = %d, want 3", len(res.Components))
	}
	for _, c := range res.Components {
		if c.Quantity != 1 {
			t.Errorf("%s quantity = %d", c.Key, c.Quantity)
		}
	}
}

func TestFuseIsDeterministic(t *testing.T) {
	vision := []model.GlobalItem{
		vis("v1", "r0c0", "KZ1", model.ComponentColumn, geometry.Rect(380, 100, 40, 40), 0.9),
		vis("v2", "r0c1", "K21", model.ComponentColumn, geometry.Rect(382, 101, 40, 40), 0.9),
		vis("v3", "r1c0", "KL1", model.ComponentBeam, geometry.Rect(0, 500, 300, 30), 0.8),
		vis("v4", "r1c1", "", model.ComponentSlab, geometry.Rect(600, 600, 200, 200), 0.5),
	}
	ocr := []model.GlobalItem{
		txt("o1", "r1c0", "KL1", geometry.Rect(100, 505, 20, 10), 0.8),
		txt("o2", "r1c0", "250x500", geometry.Rect(130, 505, 40, 10), 0.8),
		txt("o3", "r0c0", "A", geometry.Rect(10, 10, 10, 10), 0.99),
	}
	e := newEngine()
	want := e.Fuse(ocr, vision)

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 10; i++ {
		v := append([]model.GlobalItem(nil), vision...)
		o := append([]model.GlobalItem(nil), ocr...)
		rng.Shuffle(len(v), func(a, b int) { v[a], v[b] = v[b], v[a] })
		rng.Shuffle(len(o), func(a, b int) { o[a], o[b] = o[b], o[a] })
		if got := e.Fuse(o, v); !reflect.DeepEqual(got, want) {
			t.Fatalf("run %d differs", i)
		}
	}
	if newEngine().Fuse(ocr, vision).Components[0].ID != want.Components[0].ID {
		t.Errorf("component ids must be stable across engines")
	}
}

func TestFromTextPromotesMarks(t *testing.T) {
	ocr := []model.GlobalItem{
		txt("o1", "r0c0", "KZ1", geometry.Rect(10, 10, 20, 10), 0.8),
		txt("o2", "r0c1", "KZ-1", geometry.Rect(11, 10, 20, 10), 0.7),
		txt("o3", "r0c0", "LB3", geometry.Rect(300, 300, 20, 10), 0.6),
		txt("o4", "r0c0", "see note 4", geometry.Rect(10, 400, 80, 10), 0.9),
	}
	res := newEngine().FromText(ocr)
	if len(res.Components) != 2 {
		t.Fatalf("components = %+v", res.Components)
	}
	if res.Components[0].Type != model.ComponentColumn || res.Components[0].Quantity != 1 || !res.Components[0].OCRDerived {
		t.Errorf("first = %+v", res.Components[0])
	}
	if res.Components[1].Type != model.ComponentSlab {
		t.Errorf("second = %+v", res.Components[1])
	}
	if len(res.Annotations) != 1 || res.Components[0].VisionOnly {
		t.Errorf("annotations = %+v", res.Annotations)
	}
}
