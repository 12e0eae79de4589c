package dedup

import (
	"sort"
	"strings"

	"github.com/adverant/nexus/drawing-worker/internal/model"
)

// ReadingOrder sorts items into row bands (vertical centres within one line
// height of the band's first item) top to bottom, then left to right inside
// a band. Band and Order are assigned on the returned copies.
func ReadingOrder(items []model.GlobalItem, lineHeight float64) []model.GlobalItem {
	out := make([]model.GlobalItem, len(items))
	copy(out, items)
	if len(out) == 0 {
		return out
	}
	if lineHeight <= 0 {
		lineHeight = medianHeight(out)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i].BBox.Center(), out[j].BBox.Center()
		if ci.Y != cj.Y {
			return ci.Y < cj.Y
		}
		if out[i].BBox.X1 != out[j].BBox.X1 {
			return out[i].BBox.X1 < out[j].BBox.X1
		}
		return canonicalLess(out[i], out[j])
	})

	band, bandTop := 0, out[0].BBox.Center().Y
	for i := range out {
		cy := out[i].BBox.Center().Y
		if cy-bandTop > lineHeight {
			band++
			bandTop = cy
		}
		out[i].Band = band
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Band != out[j].Band {
			return out[i].Band < out[j].Band
		}
		if out[i].BBox.X1 != out[j].BBox.X1 {
			return out[i].BBox.X1 < out[j].BBox.X1
		}
		ci, cj := out[i].BBox.Center(), out[j].BBox.Center()
		if ci.Y != cj.Y {
			return ci.Y < cj.Y
		}
		return canonicalLess(out[i], out[j])
	})
	for i := range out {
		out[i].Order = i
	}
	return out
}

// Transcript joins ordered items into lines, one per band.
func Transcript(ordered []model.GlobalItem) string {
	var lines []string
	var line []string
	band := -1
	for _, it := range ordered {
		if it.Band != band && len(line) > 0 {
			lines = append(lines, strings.Join(line, " "))
			line = nil
		}
		band = it.Band
		if l := it.Label(); l != "" {
			line = append(line, l)
		}
	}
	if len(line) > 0 {
		lines = append(lines, strings.Join(line, " "))
	}
	return strings.Join(lines, "\n")
}

func medianHeight(items []model.GlobalItem) float64 {
	hs := make([]float64, 0, len(items))
	for _, it := range items {
		if h := it.BBox.Height(); h > 0 {
			hs = append(hs, h)
		}
	}
	if len(hs) == 0 {
		return 1
	}
	sort.Float64s(hs)
	m := hs[len(hs)/2]
	if m < 1 {
		return 1
	}
	return m
}
