package model

import "github.com/adverant/nexus/drawing-worker/internal/geometry"

// AuditEntry records a disagreement between the two recognition tracks and
// which value was kept.
type AuditEntry struct {
	Field       string  `json:"field"`
	OCRValue    string  `json:"ocr_value"`
	OCRConf     float64 `json:"ocr_confidence"`
	VisionValue string  `json:"vision_value"`
	VisionConf  float64 `json:"vision_confidence"`
	Chosen      string  `json:"chosen"`
	Reason      string  `json:"reason"`
}

// Instance is one spatial occurrence of a canonical component.
type Instance struct {
	BBox        geometry.BBox `json:"bbox"`
	Confidence  float64       `json:"confidence"`
	SourceTiles []string      `json:"source_tiles"`
}

// CanonicalComponent is the final deduplicated representation of one
// real-world building element (or element mark with its instances).
type CanonicalComponent struct {
	ID             string         `json:"id"`
	Key            string         `json:"key"`
	Type           ComponentType  `json:"type"`
	ComponentID    string         `json:"component_id,omitempty"`
	RawIDs         []string       `json:"raw_ids,omitempty"`
	Dimensions     string         `json:"dimensions,omitempty"`
	Material       string         `json:"material,omitempty"`
	BBox           geometry.BBox  `json:"bbox"`
	Position       geometry.Point `json:"position"`
	Confidence     float64        `json:"confidence"`
	SourceTiles    []string       `json:"source_tiles"`
	Instances      []Instance     `json:"instances"`
	Quantity       int            `json:"quantity"`
	CrossValidated bool           `json:"cross_validated"`
	VisionOnly     bool           `json:"vision_only"`
	OCRDerived     bool           `json:"ocr_derived,omitempty"`
	Audit          []AuditEntry   `json:"audit,omitempty"`
}

// Annotation is an OCR item that no vision detection claimed.
type Annotation struct {
	Text       string        `json:"text"`
	Category   string        `json:"category"`
	BBox       geometry.BBox `json:"bbox"`
	Confidence float64       `json:"confidence"`
	TileID     string        `json:"tile_id"`
}

// Statistics summarises a fused component list.
type Statistics struct {
	TotalComponents int                   `json:"total_components"`
	TotalQuantity   int                   `json:"total_quantity"`
	CountsByType    map[ComponentType]int `json:"counts_by_type"`
	QuantityByID    map[string]int        `json:"quantity_by_id"`
	CrossValidated  int                   `json:"cross_validated"`
	VisionOnly      int                   `json:"vision_only"`
	Conflicts       int                   `json:"conflicts"`
	Annotations     int                   `json:"annotations"`
}

// DedupStats reports what the deduplication engine did.
type DedupStats struct {
	Input             int `json:"input"`
	DuplicatesRemoved int `json:"duplicates_removed"`
	PartialRemoved    int `json:"partial_removed"`
	EdgeFlagged       int `json:"edge_flagged"`
	EdgeProtected     int `json:"edge_protected"`
	Output            int `json:"output"`
	Passes            int `json:"passes"`
}

// Status of an analysis.
const (
	StatusCompleted = "completed"
	StatusDegraded  = "degraded"
	StatusFailed    = "failed"
)

// AnalysisResult is the merged output of one tier, and of the run once the
// fallback controller accepts it.
type AnalysisResult struct {
	RunID           string               `json:"run_id"`
	DrawingID       string               `json:"drawing_id"`
	Status          string               `json:"status"`
	Tier            Tier                 `json:"fallback_tier_used"`
	FallbackReason  string               `json:"fallback_reason,omitempty"`
	Image           ImageInfo            `json:"image"`
	TileSize        int                  `json:"tile_size,omitempty"`
	TileOverlap     int                  `json:"tile_overlap,omitempty"`
	TilesTotal      int                  `json:"tiles_total"`
	TilesSuccessful int                  `json:"tiles_successful"`
	Components      []CanonicalComponent `json:"components"`
	Annotations     []Annotation         `json:"annotations,omitempty"`
	Transcript      string               `json:"transcript,omitempty"`
	OCRConfidence   float64              `json:"ocr_confidence,omitempty"`
	Statistics      Statistics           `json:"statistics"`
	Dedup           map[Track]DedupStats `json:"dedup,omitempty"`
	Run             *RunSnapshot         `json:"run,omitempty"`
	ProcessingMs    int64                `json:"processing_ms"`
}

// SuccessRate is TilesSuccessful over TilesTotal, zero when nothing was tiled.
func (r *AnalysisResult) SuccessRate() float64 {
	if r == nil || r.TilesTotal == 0 {
		return 0
	}
	return float64(r.TilesSuccessful) / float64(r.TilesTotal)
}
