// Package fusion merges the OCR text layer with the vision layer and groups
// the fused detections into canonical components.
package fusion

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/adverant/nexus/drawing-worker/internal/classify"
	"github.com/adverant/nexus/drawing-worker/internal/logging"
	"github.com/adverant/nexus/drawing-worker/internal/model"
)

// Matcher compares component marks.
type Matcher interface {
	Same(a, b string) bool
	Canonical(id string) string
	TypeOf(id string) model.ComponentType
}

// Classifier categorizes OCR text.
type Classifier interface {
	Classify(text string) (classify.Category, string)
}

// Config holds fusion thresholds.
type Config struct {
	AssociationTolerance float64 // px an OCR centre may sit outside a vision box
	PositionTolerance    float64 // px between centres of the same instance
	InstanceIoU          float64
	Namespace            string // scopes component ids, usually the drawing id
}

func DefaultConfig() Config {
	return Config{AssociationTolerance: 10, PositionTolerance: 48, InstanceIoU: 0.3}
}

// Result is the fused component list.
type Result struct {
	Components  []model.CanonicalComponent
	Annotations []model.Annotation
	Statistics  model.Statistics
}

// Engine fuses recognition tracks.
type Engine struct {
	cfg        Config
	matcher    Matcher
	classifier Classifier
	logger     *logging.Logger
}

func New(cfg Config, matcher Matcher, classifier Classifier, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{cfg: cfg, matcher: matcher, classifier: classifier, logger: logger}
}

// detection is a vision item after cross-validation.
type detection struct {
	item           model.GlobalItem
	id             string
	typ            model.ComponentType
	dims           string
	material       string
	conf           float64
	crossValidated bool
	visionOnly     bool
	ocrDerived     bool
	audit          []model.AuditEntry
}

type classified struct {
	item     model.GlobalItem
	category classify.Category
	value    string
}

// Fuse cross-validates vision detections against OCR text. OCR items inside
// no vision box become annotations.
func (e *Engine) Fuse(ocr, vision []model.GlobalItem) *Result {
	texts := e.classifyAll(ocr)
	dets := sortedItems(vision)

	assoc := make([][]classified, len(dets))
	var loose []classified
	for _, t := range texts {
		if j := e.associate(t.item, dets); j >= 0 {
			assoc[j] = append(assoc[j], t)
		} else {
			loose = append(loose, t)
		}
	}

	fused := make([]detection, 0, len(dets))
	conflicts := 0
	for j, v := range dets {
		d := e.crossValidate(v, assoc[j])
		conflicts += len(d.audit)
		fused = append(fused, d)
	}

	res := &Result{
		Components:  e.group(fused),
		Annotations: annotations(loose),
	}
	res.Statistics = statistics(res.Components, len(res.Annotations), conflicts)
	e.logger.Info("fusion complete",
		"vision", len(vision),
		"ocr", len(ocr),
		"components", len(res.Components),
		"annotations", len(res.Annotations),
		"conflicts", conflicts)
	return res
}

// FromText derives components from OCR marks alone. Used when no vision
// layer is available; every component is flagged ocr-derived.
func (e *Engine) FromText(ocr []model.GlobalItem) *Result {
	var dets []detection
	var loose []classified
	for _, t := range e.classifyAll(ocr) {
		if t.category != classify.CategoryComponentID {
			loose = append(loose, t)
			continue
		}
		dets = append(dets, detection{
			item:       t.item,
			id:         t.value,
			typ:        e.matcher.TypeOf(t.value),
			conf:       t.item.Confidence,
			ocrDerived: true,
		})
	}
	res := &Result{Components: e.group(dets), Annotations: annotations(loose)}
	res.Statistics = statistics(res.Components, len(res.Annotations), 0)
	return res
}

func (e *Engine) classifyAll(ocr []model.GlobalItem) []classified {
	items := sortedItems(ocr)
	out := make([]classified, 0, len(items))
	for _, it := range items {
		cat, v := e.classifier.Classify(it.Text)
		out = append(out, classified{item: it, category: cat, value: v})
	}
	return out
}

// associate returns the index of the smallest vision box containing the OCR
// item's centre, or -1.
func (e *Engine) associate(it model.GlobalItem, dets []model.GlobalItem) int {
	c := it.BBox.Center()
	best, bestArea := -1, math.Inf(1)
	for j, d := range dets {
		if !d.BBox.Contains(c, e.cfg.AssociationTolerance) {
			continue
		}
		if a := d.BBox.Area(); a < bestArea {
			best, bestArea = j, a
		}
	}
	return best
}

func (e *Engine) crossValidate(v model.GlobalItem, texts []classified) detection {
	d := detection{
		item:       v,
		id:         v.ComponentID,
		typ:        v.Type,
		dims:       v.Dimensions,
		conf:       v.Confidence,
		visionOnly: len(texts) == 0,
	}
	if d.dims != "" {
		d.dims = classify.NormalizeDimension(d.dims)
	}

	var ids, dims, materials []classified
	for _, t := range texts {
		switch t.category {
		case classify.CategoryComponentID:
			ids = append(ids, t)
		case classify.CategoryDimension:
			dims = append(dims, t)
		case classify.CategoryMaterial:
			materials = append(materials, t)
		}
	}

	support := 0.0 // best confidence of an agreeing OCR item
	if d.id != "" {
		if c, ok := bestMatch(ids, func(val string) bool { return e.matcher.Same(d.id, val) }); ok {
			support = math.Max(support, c.item.Confidence)
		} else if best, ok := strongest(ids); ok {
			d.id = e.resolve(&d, "component_id", best, d.id)
		}
	} else if best, ok := strongest(ids); ok {
		d.id = best.value
	}

	if d.dims != "" {
		if c, ok := bestMatch(dims, func(val string) bool { return val == d.dims }); ok {
			support = math.Max(support, c.item.Confidence)
		} else if best, ok := strongest(dims); ok {
			d.dims = e.resolve(&d, "dimensions", best, d.dims)
		}
	} else if best, ok := strongest(dims); ok {
		d.dims = best.value
	}

	if best, ok := strongest(materials); ok {
		d.material = best.value
	}

	// A recorded conflict means the tracks disagree on this detection.
	if support > 0 && len(d.audit) == 0 {
		d.conf = 1 - (1-support)*(1-v.Confidence)
		d.crossValidated = true
	}
	if (d.typ == "" || d.typ == model.ComponentOther) && d.id != "" {
		d.typ = e.matcher.TypeOf(d.id)
	}
	if d.typ == "" {
		d.typ = model.ComponentOther
	}
	return d
}

// resolve settles a disagreement in favour of the more confident source and
// records both readings.
func (e *Engine) resolve(d *detection, field string, ocr classified, visionValue string) string {
	entry := model.AuditEntry{
		Field:       field,
		OCRValue:    ocr.value,
		OCRConf:     ocr.item.Confidence,
		VisionValue: visionValue,
		VisionConf:  d.item.Confidence,
	}
	if ocr.item.Confidence > d.item.Confidence {
		entry.Chosen, entry.Reason = ocr.value, "ocr more confident"
	} else {
		entry.Chosen, entry.Reason = visionValue, "vision more confident"
	}
	d.audit = append(d.audit, entry)
	e.logger.Debug("track conflict", "field", field, "ocr", ocr.value, "vision", visionValue, "chosen", entry.Chosen)
	return entry.Chosen
}

func bestMatch(cands []classified, ok func(string) bool) (classified, bool) {
	var best classified
	found := false
	for _, c := range cands {
		if ok(c.value) && (!found || c.item.Confidence > best.item.Confidence) {
			best, found = c, true
		}
	}
	return best, found
}

func strongest(cands []classified) (classified, bool) {
	return bestMatch(cands, func(string) bool { return true })
}

func sortedItems(items []model.GlobalItem) []model.GlobalItem {
	out := append([]model.GlobalItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TileID != out[j].TileID {
			return out[i].TileID < out[j].TileID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func annotations(loose []classified) []model.Annotation {
	out := make([]model.Annotation, 0, len(loose))
	for _, t := range loose {
		out = append(out, model.Annotation{
			Text:       t.item.Text,
			Category:   string(t.category),
			BBox:       t.item.BBox,
			Confidence: t.item.Confidence,
			TileID:     t.item.TileID,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BBox.Y1 != out[j].BBox.Y1 {
			return out[i].BBox.Y1 < out[j].BBox.Y1
		}
		if out[i].BBox.X1 != out[j].BBox.X1 {
			return out[i].BBox.X1 < out[j].BBox.X1
		}
		return out[i].Text < out[j].Text
	})
	return out
}

func (e *Engine) componentID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("drawing-component:%s:%s", e.cfg.Namespace, key))).String()
}
