// Package dedup removes the copies of an item that overlapping tiles produce
// and puts the survivors into reading order.
//
// Items near a tile's cut edge are flagged edge_text: they are likely
// truncated, so they are never dropped as partial duplicates. Exact
// duplicates (IoU and text similarity both above threshold) are resolved in
// favour of the higher confidence copy, or the non-edge copy on a tie.
// Passes repeat until nothing changes, which makes the engine idempotent.
package dedup

import (
	"sort"
	"strings"

	"github.com/adverant/nexus/drawing-worker/internal/geometry"
	"github.com/adverant/nexus/drawing-worker/internal/logging"
	"github.com/adverant/nexus/drawing-worker/internal/model"
	"github.com/adverant/nexus/drawing-worker/internal/similarity"
)

// Scorer rates text similarity in [0,1].
type Scorer interface {
	Similarity(a, b string) float64
}

// Config holds dedup thresholds.
type Config struct {
	IoUThreshold       float64
	TextSimilarity     float64
	EdgeMargin         float64
	LineHeight         float64 // 0 means median item height
	PartialContainment float64
	MaxPasses          int
}

func DefaultConfig() Config {
	return Config{
		IoUThreshold:       0.3,
		TextSimilarity:     0.85,
		EdgeMargin:         20,
		PartialContainment: 0.6,
		MaxPasses:          8,
	}
}

// Result is the engine output.
type Result struct {
	Items      []model.GlobalItem
	ByTrack    map[model.Track][]model.GlobalItem
	Stats      map[model.Track]model.DedupStats
	Transcript string
}

// Engine deduplicates and orders global items.
type Engine struct {
	cfg    Config
	scorer Scorer
	logger *logging.Logger
}

func New(cfg Config, scorer Scorer, logger *logging.Logger) *Engine {
	if scorer == nil {
		scorer = similarity.NewDictionary(cfg.TextSimilarity)
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 8
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{cfg: cfg, scorer: scorer, logger: logger}
}

// Run processes items from every track; items of different tracks are never
// compared with each other.
func (e *Engine) Run(items []model.GlobalItem, tiles map[string]model.TileSpec) *Result {
	work := make([]model.GlobalItem, len(items))
	copy(work, items)
	for i := range work {
		if t, ok := tiles[work[i].TileID]; ok && e.IsEdge(work[i].LocalBBox, t) {
			work[i].EdgeText = true
		}
		work[i].SourceTiles = append([]string(nil), work[i].Sources()...)
	}
	sort.SliceStable(work, func(i, j int) bool { return canonicalLess(work[i], work[j]) })

	byTrack := map[model.Track][]model.GlobalItem{}
	for _, it := range work {
		byTrack[it.Track] = append(byTrack[it.Track], it)
	}

	res := &Result{ByTrack: map[model.Track][]model.GlobalItem{}, Stats: map[model.Track]model.DedupStats{}}
	tracks := make([]model.Track, 0, len(byTrack))
	for tr := range byTrack {
		tracks = append(tracks, tr)
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i] < tracks[j] })

	for _, tr := range tracks {
		kept, stats := e.dedupTrack(byTrack[tr])
		ordered := ReadingOrder(kept, e.cfg.LineHeight)
		res.ByTrack[tr] = ordered
		res.Stats[tr] = stats
		e.logger.Debug("dedup complete",
			"track", tr,
			"input", stats.Input,
			"duplicates", stats.DuplicatesRemoved,
			"partial", stats.PartialRemoved,
			"edge_protected", stats.EdgeProtected,
			"passes", stats.Passes)
	}

	var all []model.GlobalItem
	for _, tr := range tracks {
		all = append(all, res.ByTrack[tr]...)
	}
	res.Items = ReadingOrder(all, e.cfg.LineHeight)

	text := res.ByTrack[model.TrackOCR]
	if len(text) == 0 {
		text = res.ByTrack[model.TrackVision]
	}
	res.Transcript = Transcript(text)
	return res
}

// IsEdge reports whether a tile-local box lies within EdgeMargin of one of
// the tile's cut edges. Sides on the frame boundary are not cut edges.
func (e *Engine) IsEdge(local geometry.BBox, t model.TileSpec) bool {
	m := e.cfg.EdgeMargin
	w, h := float64(t.Width), float64(t.Height)
	return (t.Overlap.Left > 0 && local.X1 < m) ||
		(t.Overlap.Top > 0 && local.Y1 < m) ||
		(t.Overlap.Right > 0 && local.X2 > w-m) ||
		(t.Overlap.Bottom > 0 && local.Y2 > h-m)
}

func (e *Engine) dedupTrack(items []model.GlobalItem) ([]model.GlobalItem, model.DedupStats) {
	stats := model.DedupStats{Input: len(items)}
	for _, it := range items {
		if it.EdgeText {
			stats.EdgeFlagged++
		}
	}

	protected := map[string]bool{}
	cur := items
	for pass := 1; pass <= e.cfg.MaxPasses; pass++ {
		stats.Passes = pass
		next, changed := e.pass(cur, &stats, protected)
		cur = next
		if !changed {
			break
		}
	}
	stats.EdgeProtected = len(protected)
	stats.Output = len(cur)
	return cur, stats
}

// pass makes one sweep in priority order, merging each candidate into the
// first kept item it duplicates.
func (e *Engine) pass(items []model.GlobalItem, stats *model.DedupStats, protected map[string]bool) ([]model.GlobalItem, bool) {
	cands := make([]model.GlobalItem, len(items))
	copy(cands, items)
	sort.SliceStable(cands, func(i, j int) bool { return priorityLess(cands[i], cands[j]) })

	changed := false
	kept := make([]model.GlobalItem, 0, len(cands))
next:
	for _, c := range cands {
		for k := range kept {
			switch e.relation(kept[k], c) {
			case relDuplicate:
				kept[k] = absorb(kept[k], c)
				stats.DuplicatesRemoved++
				changed = true
				continue next
			case relPartial:
				if kept[k].EdgeText || c.EdgeText {
					for _, it := range []model.GlobalItem{kept[k], c} {
						if it.EdgeText {
							protected[it.ID] = true
						}
					}
					continue
				}
				// drop the fragment, keep the fuller reading
				if len([]rune(c.Label())) > len([]rune(kept[k].Label())) {
					kept[k] = withSources(c, kept[k])
				} else {
					kept[k] = withSources(kept[k], c)
				}
				stats.PartialRemoved++
				changed = true
				continue next
			}
		}
		kept = append(kept, c)
	}
	return kept, changed
}

type relation int

const (
	relNone relation = iota
	relDuplicate
	relPartial
)

func (e *Engine) relation(a, b model.GlobalItem) relation {
	if a.Track != b.Track {
		return relNone
	}
	iou := geometry.IoU(a.BBox, b.BBox)
	sim := e.scorer.Similarity(a.Label(), b.Label())
	if iou >= e.cfg.IoUThreshold && sim >= e.cfg.TextSimilarity {
		return relDuplicate
	}
	if geometry.Containment(a.BBox, b.BBox) >= e.cfg.PartialContainment && textFragment(a.Label(), b.Label()) {
		return relPartial
	}
	return relNone
}

// absorb merges loser into winner. A truncated edge winner takes the
// complete box of a non-edge loser; two edge copies cover their union.
func absorb(winner, loser model.GlobalItem) model.GlobalItem {
	switch {
	case winner.EdgeText && !loser.EdgeText:
		winner.BBox = loser.BBox
	case winner.EdgeText && loser.EdgeText:
		winner.BBox = winner.BBox.Union(loser.BBox)
	}
	return withSources(winner, loser)
}

func withSources(keep, drop model.GlobalItem) model.GlobalItem {
	set := map[string]bool{}
	for _, s := range keep.Sources() {
		set[s] = true
	}
	for _, s := range drop.Sources() {
		set[s] = true
	}
	srcs := make([]string, 0, len(set))
	for s := range set {
		srcs = append(srcs, s)
	}
	sort.Strings(srcs)
	keep.SourceTiles = srcs
	return keep
}

// textFragment reports whether one label is a strict fragment of the other.
func textFragment(a, b string) bool {
	na, nb := similarity.Normalize(a), similarity.Normalize(b)
	if na == "" || nb == "" || na == nb {
		return false
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

func canonicalLess(a, b model.GlobalItem) bool {
	if a.Track != b.Track {
		return a.Track < b.Track
	}
	if a.TileID != b.TileID {
		return a.TileID < b.TileID
	}
	return a.ID < b.ID
}

func priorityLess(a, b model.GlobalItem) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.EdgeText != b.EdgeText {
		return !a.EdgeText
	}
	return canonicalLess(a, b)
}
