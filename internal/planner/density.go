package planner

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/adverant/nexus/drawing-worker/internal/geometry"
)

// DensityEstimator builds an edge/ink map of a raster.
type DensityEstimator interface {
	Estimate(img image.Image) (*DensityMap, error)
}

// DensityMap is a down-sampled edge and ink mask with its scale back to
// original pixels.
type DensityMap struct {
	Width, Height int
	ScaleX        float64 // original pixels per sample pixel
	ScaleY        float64
	Edges         []bool
	Ink           []bool
}

// Ratio returns the fraction of edge pixels inside r (original coordinates).
func (m *DensityMap) Ratio(r geometry.BBox) float64 {
	x0, y0, x1, y1 := m.sampleRect(r)
	total, edges := 0, 0
	for y := y0; y < y1; y++ {
		row := y * m.Width
		for x := x0; x < x1; x++ {
			total++
			if m.Edges[row+x] {
				edges++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(edges) / float64(total)
}

// InkBounds returns the bounding box of all ink pixels in original
// coordinates.
func (m *DensityMap) InkBounds() (geometry.BBox, bool) {
	minX, minY, maxX, maxY := m.Width, m.Height, -1, -1
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if !m.Ink[y*m.Width+x] {
				continue
			}
			minX, minY = min(minX, x), min(minY, y)
			maxX, maxY = max(maxX, x), max(maxY, y)
		}
	}
	if maxX < 0 {
		return geometry.BBox{}, false
	}
	return geometry.BBox{
		X1: float64(minX) * m.ScaleX,
		Y1: float64(minY) * m.ScaleY,
		X2: float64(maxX+1) * m.ScaleX,
		Y2: float64(maxY+1) * m.ScaleY,
	}, true
}

func (m *DensityMap) sampleRect(r geometry.BBox) (x0, y0, x1, y1 int) {
	clampI := func(v, hi int) int { return max(0, min(v, hi)) }
	x0 = clampI(int(math.Floor(r.X1/m.ScaleX)), m.Width)
	y0 = clampI(int(math.Floor(r.Y1/m.ScaleY)), m.Height)
	x1 = clampI(int(math.Ceil(r.X2/m.ScaleX)), m.Width)
	y1 = clampI(int(math.Ceil(r.Y2/m.ScaleY)), m.Height)
	return
}

// SobelEstimator down-samples to grayscale and thresholds the Sobel gradient.
type SobelEstimator struct {
	MaxSide       int
	EdgeThreshold int   // |gx|+|gy| above this is an edge
	InkThreshold  uint8 // gray below this is ink
}

func (e SobelEstimator) Estimate(img image.Image) (*DensityMap, error) {
	gray, sx, sy := Downsample(img, e.maxSide())
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	edgeT := e.EdgeThreshold
	if edgeT <= 0 {
		edgeT = 200
	}
	inkT := e.InkThreshold
	if inkT == 0 {
		inkT = 128
	}

	m := &DensityMap{Width: w, Height: h, ScaleX: sx, ScaleY: sy, Edges: make([]bool, w*h), Ink: make([]bool, w*h)}
	px := func(x, y int) int { return int(gray.Pix[y*gray.Stride+x]) }
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.Ink[y*w+x] = gray.Pix[y*gray.Stride+x] < inkT
			if x == 0 || y == 0 || x == w-1 || y == h-1 {
				continue
			}
			gx := -px(x-1, y-1) - 2*px(x-1, y) - px(x-1, y+1) + px(x+1, y-1) + 2*px(x+1, y) + px(x+1, y+1)
			gy := -px(x-1, y-1) - 2*px(x, y-1) - px(x+1, y-1) + px(x-1, y+1) + 2*px(x, y+1) + px(x+1, y+1)
			if abs(gx)+abs(gy) > edgeT {
				m.Edges[y*w+x] = true
			}
		}
	}
	return m, nil
}

func (e SobelEstimator) maxSide() int {
	if e.MaxSide <= 0 {
		return 512
	}
	return e.MaxSide
}

// Downsample scales img into a grayscale copy whose longest side is at most
// maxSide and returns the per-axis scale back to original pixels.
func Downsample(img image.Image, maxSide int) (*image.Gray, float64, float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dw, dh := w, h
	if longest := max(w, h); longest > maxSide {
		f := float64(maxSide) / float64(longest)
		dw = max(1, int(math.Round(float64(w)*f)))
		dh = max(1, int(math.Round(float64(h)*f)))
	}
	dst := image.NewGray(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, float64(w) / float64(dw), float64(h) / float64(dh)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
