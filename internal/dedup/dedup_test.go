package dedup

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/adverant/nexus/drawing-worker/internal/coords"
	"github.com/adverant/nexus/drawing-worker/internal/geometry"
	"github.com/adverant/nexus/drawing-worker/internal/model"
)

// fourTiles is a 2x2 grid of 400px tiles over a 750px drawing (50px overlap).
func fourTiles() []model.TileSpec {
	var tiles []model.TileSpec
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			t := model.TileSpec{ID: model.TileID(r, c), Row: r, Col: c, OffsetX: c * 350, OffsetY: r * 350, Width: 400, Height: 400}
			if c == 0 {
				t.Overlap.Right = 50
			} else {
				t.Overlap.Left = 50
			}
			if r == 0 {
				t.Overlap.Bottom = 50
			} else {
				t.Overlap.Top = 50
			}
			tiles = append(tiles, t)
		}
	}
	return tiles
}

func lookup(tiles []model.TileSpec) map[string]model.TileSpec {
	m := map[string]model.TileSpec{}
	for _, t := range tiles {
		m[t.ID] = t
	}
	return m
}

type entry struct {
	text string
	box  geometry.BBox // global coordinates
	conf float64
}

// ocrResult builds a tile's OCR result from globally placed entries.
func ocrResult(tile model.TileSpec, entries ...entry) model.TileResult {
	r := model.TileResult{TileID: tile.ID, Track: model.TrackOCR, Success: true}
	for _, e := range entries {
		r.Items = append(r.Items, model.TileItem{
			Track:      model.TrackOCR,
			Text:       e.text,
			BBox:       e.box.Translate(-float64(tile.OffsetX), -float64(tile.OffsetY)),
			Confidence: e.conf,
		})
	}
	return r
}

func fourTileScenario(t *testing.T) ([]model.GlobalItem, map[string]model.TileSpec) {
	t.Helper()
	tiles := fourTiles()
	kl1 := geometry.Rect(362, 360, 26, 14)
	results := []model.TileResult{
		ocrResult(tiles[0], entry{"KL1", kl1, 0.90}, entry{"KZ1", geometry.Rect(100, 100, 30, 14), 0.95}),
		ocrResult(tiles[1], entry{"KL-1", kl1.Translate(1, 0), 0.85}),
		ocrResult(tiles[2], entry{"KL1", kl1.Translate(0, 1), 0.88}),
		ocrResult(tiles[3], entry{"KL1", kl1, 0.80}, entry{"600x600", geometry.Rect(600, 600, 60, 14), 0.92}),
	}
	items, err := coords.NewTransformer(750, 750, tiles).Results(results)
	if err != nil {
		t.Fatal(err)
	}
	return items, lookup(tiles)
}

func TestFourTileDuplicateCollapses(t *testing.T) {
	items, tiles := fourTileScenario(t)
	res := New(DefaultConfig(), nil, nil).Run(items, tiles)

	if len(res.Items) != 3 {
		t.Fatalf("survivors = %d (%v), want 3", len(res.Items), labels(res.Items))
	}
	var kl1 *model.GlobalItem
	for i := range res.Items {
		if strings.HasPrefix(res.Items[i].Text, "KL") {
			if kl1 != nil {
				t.Fatalf("KL1 survived twice")
			}
			kl1 = &res.Items[i]
		}
	}
	if kl1 == nil {
		t.Fatalf("KL1 missing")
	}
	if kl1.Confidence != 0.90 || !kl1.EdgeText {
		t.Errorf("KL1 survivor = %+v", kl1)
	}
	if !reflect.DeepEqual(kl1.SourceTiles, []string{"r0c0", "r0c1", "r1c0", "r1c1"}) {
		t.Errorf("sources = %v", kl1.SourceTiles)
	}
	// the merged box must cover every tile's view of the label
	if !kl1.BBox.Contains(geometry.Point{X: 362, Y: 360}, 0) || !kl1.BBox.Contains(geometry.Point{X: 389, Y: 375}, 0) {
		t.Errorf("KL1 box = %+v", kl1.BBox)
	}
	st := res.Stats[model.TrackOCR]
	if st.Input != 6 || st.DuplicatesRemoved != 3 || st.Output != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	items, tiles := fourTileScenario(t)
	e := New(DefaultConfig(), nil, nil)
	first := e.Run(items, tiles)
	second := e.Run(first.Items, tiles)
	if !reflect.DeepEqual(first.Items, second.Items) {
		t.Fatalf("second run changed output:\n%v\n%v", labels(first.Items), labels(second.Items))
	}
	if second.Transcript != first.Transcript {
		t.Errorf("transcript changed: %q vs %q", first.Transcript, second.Transcript)
	}
}

func TestRunIsOrderIndependent(t *testing.T) {
	items, tiles := fourTileScenario(t)
	e := New(DefaultConfig(), nil, nil)
	want := e.Run(items, tiles).Items

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]model.GlobalItem(nil), items...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if got := e.Run(shuffled, tiles).Items; !reflect.DeepEqual(got, want) {
			t.Fatalf("shuffle %d changed output: %v vs %v", i, labels(got), labels(want))
		}
	}
}

func TestEdgeItemSurvivesPartialDuplicate(t *testing.T) {
	tiles := fourTiles()
	results := []model.TileResult{
		// truncated at r0c0's right cut edge
		ocrResult(tiles[0], entry{"KL", geometry.Rect(385, 100, 15, 15), 0.7}),
		ocrResult(tiles[1], entry{"KL12", geometry.Rect(385, 100, 35, 15), 0.9}),
	}
	items, _ := coords.NewTransformer(750, 750, tiles).Results(results)
	res := New(DefaultConfig(), nil, nil).Run(items, lookup(tiles))

	if len(res.Items) != 2 {
		t.Fatalf("items = %v, want both kept", labels(res.Items))
	}
	st := res.Stats[model.TrackOCR]
	if st.EdgeProtected != 1 || st.PartialRemoved != 0 || st.EdgeFlagged != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPartialDuplicateKeepsFullerText(t *testing.T) {
	tile := model.TileSpec{ID: "r0c0", Width: 500, Height: 500}
	results := []model.TileResult{ocrResult(tile,
		entry{"600", geometry.Rect(100, 100, 30, 15), 0.95},
		entry{"600x600", geometry.Rect(100, 100, 70, 15), 0.80},
	)}
	items, _ := coords.NewTransformer(500, 500, []model.TileSpec{tile}).Results(results)
	res := New(DefaultConfig(), nil, nil).Run(items, lookup([]model.TileSpec{tile}))

	if len(res.Items) != 1 || res.Items[0].Text != "600x600" {
		t.Fatalf("items = %v", labels(res.Items))
	}
	if res.Stats[model.TrackOCR].PartialRemoved != 1 {
		t.Errorf("stats = %+v", res.Stats[model.TrackOCR])
	}
}

func TestEdgeWinnerTakesCompleteBox(t *testing.T) {
	tiles := fourTiles()
	results := []model.TileResult{
		ocrResult(tiles[0], entry{"KZ3", geometry.Rect(372, 200, 28, 14), 0.95}),
		ocrResult(tiles[1], entry{"KZ3", geometry.Rect(372, 200, 34, 14), 0.80}),
	}
	items, _ := coords.NewTransformer(750, 750, tiles).Results(results)
	res := New(DefaultConfig(), nil, nil).Run(items, lookup(tiles))

	if len(res.Items) != 1 {
		t.Fatalf("items = %v", labels(res.Items))
	}
	got := res.Items[0]
	if got.Confidence != 0.95 || got.BBox != geometry.Rect(372, 200, 34, 14) {
		t.Errorf("survivor = %+v", got)
	}
}

func TestTracksAreNotCompared(t *testing.T) {
	box := geometry.Rect(10, 10, 40, 20)
	items := []model.GlobalItem{
		{ID: "a", TileID: "r0c0", Track: model.TrackOCR, Text: "KZ1", BBox: box, Confidence: 0.9},
		{ID: "b", TileID: "r0c0", Track: model.TrackVision, ComponentID: "KZ1", BBox: box, Confidence: 0.8},
	}
	res := New(DefaultConfig(), nil, nil).Run(items, nil)
	if len(res.Items) != 2 || len(res.ByTrack[model.TrackOCR]) != 1 || len(res.ByTrack[model.TrackVision]) != 1 {
		t.Fatalf("items = %v", labels(res.Items))
	}
}

func TestReadingOrderAndTranscript(t *testing.T) {
	items := []model.GlobalItem{
		{ID: "c", Text: "C30", BBox: geometry.Rect(300, 52, 30, 10)},
		{ID: "a", Text: "KZ1", BBox: geometry.Rect(10, 50, 30, 10)},
		{ID: "d", Text: "notes", BBox: geometry.Rect(5, 200, 40, 10)},
		{ID: "b", Text: "600x600", BBox: geometry.Rect(100, 47, 50, 10)},
	}
	ordered := ReadingOrder(items, 0)
	if got := labels(ordered); !reflect.DeepEqual(got, []string{"KZ1", "600x600", "C30", "notes"}) {
		t.Fatalf("order = %v", got)
	}
	if ordered[3].Band != 1 || ordered[0].Band != 0 || ordered[3].Order != 3 {
		t.Errorf("bands = %+v", ordered)
	}
	if tr := Transcript(ordered); tr != "KZ1 600x600 C30\nnotes" {
		t.Errorf("transcript = %q", tr)
	}
}

func labels(items []model.GlobalItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Label()
	}
	return out
}
