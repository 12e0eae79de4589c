/**
 * Tesseract OCR - local text layer for tiles
 *
 * Offline OCR using Tesseract. Returns word boxes so each item can be placed
 * on the drawing; falls back to a single whole-slice item when the engine
 * cannot produce boxes.
 */

package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/drawing-worker/internal/geometry"
	"github.com/adverant/nexus/drawing-worker/internal/recognition"
)

// TesseractOCR recognizes drawing text with gosseract
type TesseractOCR struct {
	languages     []string
	clientFactory func() *gosseract.Client
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages string // e.g. "eng+chi_sim"
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) *TesseractOCR {
	var langs []string
	if cfg != nil && cfg.Languages != "" {
		langs = strings.Split(cfg.Languages, "+")
	}
	return &TesseractOCR{languages: langs, clientFactory: gosseract.NewClient}
}

func (t *TesseractOCR) Name() string { return "tesseract" }

// Recognize performs OCR on one encoded slice
func (t *TesseractOCR) Recognize(ctx context.Context, image []byte) (*recognition.OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := t.clientFactory()
	defer client.Close()

	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}
	if len(t.languages) > 0 {
		if err := client.SetLanguage(t.languages...); err != nil {
			return nil, fmt.Errorf("failed to set languages: %w", err)
		}
	}
	// drawings carry scattered labels rather than paragraphs
	if err := client.SetPageSegMode(gosseract.PSM_SPARSE_TEXT); err != nil {
		return nil, fmt.Errorf("failed to set page segmentation: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err == nil && len(boxes) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &recognition.OCRResult{Success: true, Items: wordsToItems(boxes), Engine: t.Name()}, nil
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return &recognition.OCRResult{Success: true, Engine: t.Name()}, nil
	}

	cfg, _, err := imageConfig(image)
	if err != nil {
		return nil, fmt.Errorf("failed to read slice size: %w", err)
	}
	return &recognition.OCRResult{
		Success: true,
		Engine:  t.Name(),
		Items: []recognition.OCRItem{{
			Text:       text,
			BBox:       geometry.Rect(0, 0, float64(cfg.Width), float64(cfg.Height)),
			Confidence: calculateTesseractConfidence(text),
		}},
	}, nil
}

func wordsToItems(boxes []gosseract.BoundingBox) []recognition.OCRItem {
	items := make([]recognition.OCRItem, 0, len(boxes))
	for _, b := range boxes {
		word := strings.TrimSpace(b.Word)
		if word == "" {
			continue
		}
		items = append(items, recognition.OCRItem{
			Text: word,
			BBox: geometry.BBox{
				X1: float64(b.Box.Min.X),
				Y1: float64(b.Box.Min.Y),
				X2: float64(b.Box.Max.X),
				Y2: float64(b.Box.Max.Y),
			},
			Confidence: b.Confidence / 100.0,
		})
	}
	return items
}

func imageConfig(data []byte) (image.Config, string, error) {
	return image.DecodeConfig(bytes.NewReader(data))
}

// calculateTesseractConfidence estimates confidence for box-less output
func calculateTesseractConfidence(text string) float64 {
	confidence := 0.4 // Base confidence

	tokens := strings.Fields(text)
	if len(tokens) > 3 {
		confidence += 0.1
	}

	// Drawing labels are mostly uppercase letters and digits
	alnum := 0
	total := 0
	for _, r := range text {
		if r == ' ' || r == '\n' {
			continue
		}
		total++
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r >= 0x4E00 && r <= 0x9FFF {
			alnum++
		}
	}
	if total > 0 {
		ratio := float64(alnum) / float64(total)
		if ratio > 0.8 {
			confidence += 0.2
		} else if ratio > 0.5 {
			confidence += 0.1
		}
	}

	// Cap at reasonable maximum for box-less output
	if confidence > 0.7 {
		confidence = 0.7
	}

	return confidence
}
