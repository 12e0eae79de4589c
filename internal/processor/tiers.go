package processor

import (
	"context"
	"fmt"
	"image"

	"github.com/adverant/nexus/drawing-worker/internal/classify"
	"github.com/adverant/nexus/drawing-worker/internal/coords"
	"github.com/adverant/nexus/drawing-worker/internal/dedup"
	"github.com/adverant/nexus/drawing-worker/internal/dispatcher"
	apperrors "github.com/adverant/nexus/drawing-worker/internal/errors"
	"github.com/adverant/nexus/drawing-worker/internal/fallback"
	"github.com/adverant/nexus/drawing-worker/internal/fusion"
	"github.com/adverant/nexus/drawing-worker/internal/logging"
	"github.com/adverant/nexus/drawing-worker/internal/model"
	"github.com/adverant/nexus/drawing-worker/internal/planner"
	"github.com/adverant/nexus/drawing-worker/internal/recognition"
	"github.com/adverant/nexus/drawing-worker/internal/similarity"
	"github.com/adverant/nexus/drawing-worker/internal/tiles"
)

// directTileID names the single whole-image tile of the direct vision tier.
const directTileID = "full"

// analysis is the state one run shares between its tiers. The raster and
// its slice cache outlive a failed tier, so a later tier reuses slices.
type analysis struct {
	settings    Settings
	ocr         recognition.OCREngine
	vision      recognition.VisionAnalyzer
	info        model.ImageInfo
	img         image.Image
	plan        *planner.Plan
	raster      *tiles.Rasterizer
	transformer *coords.Transformer
	tileIndex   map[string]model.TileSpec
	dispatcher  *dispatcher.Dispatcher
	dedup       *dedup.Engine
	fusion      *fusion.Engine
	logger      *logging.Logger
}

func newAnalysis(s Settings, ocr recognition.OCREngine, vision recognition.VisionAnalyzer, info model.ImageInfo, img image.Image, plan *planner.Plan, drawingID string, logger *logging.Logger) *analysis {
	dict := similarity.NewDictionary(s.Dedup.TextSimilarity)
	classifier := classify.New(dict)

	fcfg := s.Fusion
	fcfg.Namespace = drawingID

	return &analysis{
		settings:    s,
		ocr:         ocr,
		vision:      vision,
		info:        info,
		img:         img,
		plan:        plan,
		raster:      tiles.NewRasterizer(img, tiles.NewCache()),
		transformer: coords.NewTransformer(info.Width, info.Height, plan.Tiles),
		tileIndex:   plan.Lookup(),
		dispatcher:  dispatcher.New(s.Dispatch, ocr, vision, classifier.BuildHints, logger),
		dedup:       dedup.New(s.Dedup, dict, logger),
		fusion:      fusion.New(fcfg, dict, classifier, logger),
		logger:      logger,
	}
}

// tiers lists the ladder for this run. Tiers whose collaborator is missing
// stay on the ladder and fail fast, so the audit trail says why they were
// skipped.
func (a *analysis) tiers() []fallback.Tier {
	s := a.settings
	return []fallback.Tier{
		{Tier: model.TierTiledVision, Timeout: s.TiledVisionTimeout, Run: a.tiledVision, Accept: a.acceptTiledVision},
		{Tier: model.TierDirectVision, Timeout: s.DirectVisionTimeout, Run: a.directVision, Accept: requireComponents},
		{Tier: model.TierOCROnly, Timeout: s.OCROnlyTimeout, Run: a.ocrOnly, Accept: a.acceptOCR},
		{Tier: model.TierBasicInfo, Timeout: s.BasicInfoTimeout, Run: a.basicInfo, Accept: acceptGeometry},
	}
}

func (a *analysis) base() *model.AnalysisResult {
	return &model.AnalysisResult{
		Image:       a.info,
		TileSize:    a.plan.TileSize,
		TileOverlap: a.plan.Overlap,
		Components:  []model.CanonicalComponent{},
	}
}

// tiledVision runs both tracks over the tile grid and fuses them.
func (a *analysis) tiledVision(ctx context.Context) (*model.AnalysisResult, error) {
	if a.vision == nil {
		return nil, fmt.Errorf("vision service not configured")
	}
	report, err := a.dispatcher.Dispatch(ctx, a.raster, a.plan.Tiles, dispatcher.Tracks{OCR: a.ocr != nil, Vision: true})
	if err != nil {
		return nil, err
	}
	items, err := a.transformer.Results(report.Results)
	if err != nil {
		return nil, err
	}

	deduped := a.dedup.Run(items, a.tileIndex)
	ocrItems := deduped.ByTrack[model.TrackOCR]
	fused := a.fusion.Fuse(ocrItems, deduped.ByTrack[model.TrackVision])

	res := a.base()
	res.TilesTotal = report.TilesTotal
	res.TilesSuccessful = report.TilesSuccessful()
	res.Components = fused.Components
	res.Annotations = fused.Annotations
	res.Statistics = fused.Statistics
	res.Transcript = deduped.Transcript
	res.OCRConfidence = meanConfidence(ocrItems)
	res.Dedup = deduped.Stats

	a.logger.Info("tiled vision finished",
		"tiles", report.TilesTotal,
		"successful", res.TilesSuccessful,
		"failed_calls", report.CallsFailed,
		"slices_reused", report.SlicesReused,
		"components", len(res.Components))
	return res, nil
}

func (a *analysis) acceptTiledVision(res *model.AnalysisResult) error {
	if rate := res.SuccessRate(); rate < a.settings.MinTileSuccessRate {
		return fmt.Errorf("tile success rate %.2f below %.2f (%d/%d)", rate, a.settings.MinTileSuccessRate, res.TilesSuccessful, res.TilesTotal)
	}
	return requireComponents(res)
}

// directVision sends the whole drawing, scaled down, in a single call.
func (a *analysis) directVision(ctx context.Context) (*model.AnalysisResult, error) {
	if a.vision == nil {
		return nil, fmt.Errorf("vision service not configured")
	}
	scaled, factor := tiles.Fit(a.img, a.settings.DirectVisionMaxSide)
	data, err := tiles.EncodePNG(scaled)
	if err != nil {
		return nil, err
	}
	sw, sh := scaled.Bounds().Dx(), scaled.Bounds().Dy()

	vres, err := a.vision.AnalyzeComponents(ctx, data, recognition.PromptContext{TileID: directTileID, Width: sw, Height: sh})
	if err != nil {
		return nil, apperrors.NewCollaboratorError("vision", directTileID, 1, err)
	}
	if vres == nil || !vres.Success {
		return nil, apperrors.NewCollaboratorError("vision", directTileID, 1, fmt.Errorf("unsuccessful response"))
	}

	local := vres.ToTileItems(sw, sh)
	for i := range local {
		local[i].BBox = local[i].BBox.Scale(factor)
	}

	whole := model.TileSpec{ID: directTileID, Width: a.info.Width, Height: a.info.Height, Priority: model.PriorityHigh}
	tr := coords.NewTransformer(a.info.Width, a.info.Height, []model.TileSpec{whole})
	items, err := tr.Results([]model.TileResult{{TileID: directTileID, Track: model.TrackVision, Success: true, Items: local, Attempts: 1}})
	if err != nil {
		return nil, err
	}
	deduped := a.dedup.Run(items, map[string]model.TileSpec{directTileID: whole})
	fused := a.fusion.Fuse(nil, deduped.ByTrack[model.TrackVision])

	res := a.base()
	res.TileSize = 0
	res.TileOverlap = 0
	res.TilesTotal = 1
	res.TilesSuccessful = 1
	res.Components = fused.Components
	res.Statistics = fused.Statistics
	res.Transcript = deduped.Transcript
	res.Dedup = deduped.Stats
	a.logger.Info("direct vision finished", "scale", factor, "components", len(res.Components), "model", vres.Model)
	return res, nil
}

// ocrOnly reads the tile grid with OCR alone and promotes component marks.
func (a *analysis) ocrOnly(ctx context.Context) (*model.AnalysisResult, error) {
	if a.ocr == nil {
		return nil, fmt.Errorf("OCR engine not configured")
	}
	report, err := a.dispatcher.Dispatch(ctx, a.raster, a.plan.Tiles, dispatcher.Tracks{OCR: true})
	if err != nil {
		return nil, err
	}
	items, err := a.transformer.Results(report.Results)
	if err != nil {
		return nil, err
	}
	deduped := a.dedup.Run(items, a.tileIndex)
	text := deduped.ByTrack[model.TrackOCR]
	fused := a.fusion.FromText(text)

	res := a.base()
	res.TilesTotal = report.TilesTotal
	res.TilesSuccessful = report.TilesSuccessful()
	res.Components = fused.Components
	res.Annotations = fused.Annotations
	res.Statistics = fused.Statistics
	res.Transcript = deduped.Transcript
	res.OCRConfidence = meanConfidence(text)
	res.Dedup = deduped.Stats
	a.logger.Info("ocr-only finished",
		"tiles", report.TilesTotal,
		"successful", res.TilesSuccessful,
		"items", len(text),
		"confidence", res.OCRConfidence)
	return res, nil
}

func (a *analysis) acceptOCR(res *model.AnalysisResult) error {
	if res.Transcript == "" {
		return fmt.Errorf("no text recognized")
	}
	if res.OCRConfidence < a.settings.MinOCRConfidence {
		return fmt.Errorf("average OCR confidence %.2f below %.2f", res.OCRConfidence, a.settings.MinOCRConfidence)
	}
	return nil
}

// basicInfo reports geometry only; nothing is tiled.
func (a *analysis) basicInfo(ctx context.Context) (*model.AnalysisResult, error) {
	return a.base(), ctx.Err()
}

func requireComponents(res *model.AnalysisResult) error {
	if len(res.Components) == 0 {
		return fmt.Errorf("no components recognized")
	}
	return nil
}

func acceptGeometry(res *model.AnalysisResult) error {
	if res.Image.Width <= 0 || res.Image.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", res.Image.Width, res.Image.Height)
	}
	return nil
}

func meanConfidence(items []model.GlobalItem) float64 {
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, it := range items {
		sum += it.Confidence
	}
	return sum / float64(len(items))
}
