// Package classify sorts OCR text from structural drawings into component
// marks, dimensions, material grades and grid axis labels.
package classify

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/adverant/nexus/drawing-worker/internal/model"
	"github.com/adverant/nexus/drawing-worker/internal/recognition"
	"github.com/adverant/nexus/drawing-worker/internal/similarity"
)

// Category of a text item.
type Category string

const (
	CategoryComponentID Category = "component_id"
	CategoryDimension   Category = "dimension"
	CategoryMaterial    Category = "material"
	CategoryAxisLabel   Category = "axis_label"
	CategoryOther       Category = "other"
)

var (
	materialPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^C\d{2}$`),               // concrete grade
		regexp.MustCompile(`^(HRB|HPB|CRB)\d{3}E?$`), // rebar grade
		regexp.MustCompile(`^Q\d{3}[A-E]?$`),         // structural steel
		regexp.MustCompile(`^MU?\d{1,2}(\.\d)?$`),    // masonry / mortar
	}
	dimensionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^(BXH=)?\d{2,4}X\d{2,4}(X\d{2,4})?$`),
		regexp.MustCompile(`^[HD]=\d{2,4}$`),
		regexp.MustCompile(`^[Φ∅Ø]\d{2,4}$`),
	}
	axisPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^([A-Z]|\d{1,2})$`),
		regexp.MustCompile(`^([A-Z]|\d{1,2})/([A-Z]|\d{1,2})$`),
	}
)

// Classifier applies the pattern rules.
type Classifier struct {
	dict *similarity.Dictionary
}

func New(dict *similarity.Dictionary) *Classifier {
	if dict == nil {
		dict = similarity.NewDictionary(0.85)
	}
	return &Classifier{dict: dict}
}

// Classify returns the category of text and its normalized value.
func (c *Classifier) Classify(text string) (Category, string) {
	s := prepare(text)
	if s == "" {
		return CategoryOther, ""
	}
	for _, re := range materialPatterns {
		if re.MatchString(s) {
			return CategoryMaterial, s
		}
	}
	dim := strings.NewReplacer("×", "X", "*", "X").Replace(s)
	for _, re := range dimensionPatterns {
		if re.MatchString(dim) {
			return CategoryDimension, NormalizeDimension(dim)
		}
	}
	if c.dict.IsComponentMark(s) {
		return CategoryComponentID, c.dict.Canonical(s)
	}
	for _, re := range axisPatterns {
		if re.MatchString(s) {
			return CategoryAxisLabel, s
		}
	}
	return CategoryOther, strings.TrimSpace(text)
}

// NormalizeDimension renders a dimension in the canonical "600x600" form.
func NormalizeDimension(s string) string {
	s = prepare(s)
	s = strings.NewReplacer("×", "X", "*", "X").Replace(s)
	s = strings.TrimPrefix(s, "BXH=")
	return strings.ToLower(s)
}

// BuildHints collects the classified values of a tile's OCR items into a
// vision prompt context.
func (c *Classifier) BuildHints(items []model.TileItem) recognition.Hints {
	var h recognition.Hints
	seen := map[string]bool{}
	for _, it := range items {
		cat, v := c.Classify(it.Text)
		if v == "" || seen[string(cat)+v] {
			continue
		}
		seen[string(cat)+v] = true
		switch cat {
		case CategoryComponentID:
			h.ComponentIDs = append(h.ComponentIDs, v)
		case CategoryDimension:
			h.Dimensions = append(h.Dimensions, v)
		case CategoryMaterial:
			h.Materials = append(h.Materials, v)
		case CategoryAxisLabel:
			h.AxisLabels = append(h.AxisLabels, v)
		}
	}
	for _, l := range [][]string{h.ComponentIDs, h.Dimensions, h.Materials, h.AxisLabels} {
		sort.Strings(l)
	}
	return h
}

func prepare(text string) string {
	text = norm.NFKC.String(text)
	var b strings.Builder
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
