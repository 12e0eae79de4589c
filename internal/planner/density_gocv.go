//go:build gocv

package planner

import (
	"image"
	"math"

	"gocv.io/x/gocv"
)

// CannyEstimator uses OpenCV's Canny detector; build with -tags gocv.
type CannyEstimator struct {
	MaxSide       int
	LowThreshold  float32
	HighThreshold float32
}

func (e CannyEstimator) Estimate(img image.Image) (*DensityMap, error) {
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	w, h := gray.Cols(), gray.Rows()
	dw, dh := w, h
	maxSide := e.MaxSide
	if maxSide <= 0 {
		maxSide = 512
	}
	if longest := max(w, h); longest > maxSide {
		f := float64(maxSide) / float64(longest)
		dw = max(1, int(math.Round(float64(w)*f)))
		dh = max(1, int(math.Round(float64(h)*f)))
	}
	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(gray, &small, image.Pt(dw, dh), 0, 0, gocv.InterpolationArea)

	low, high := e.LowThreshold, e.HighThreshold
	if high == 0 {
		low, high = 50, 150
	}
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(small, &edges, low, high)

	m := &DensityMap{
		Width:  dw,
		Height: dh,
		ScaleX: float64(w) / float64(dw),
		ScaleY: float64(h) / float64(dh),
		Edges:  make([]bool, dw*dh),
		Ink:    make([]bool, dw*dh),
	}
	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			m.Edges[y*dw+x] = edges.GetUCharAt(y, x) > 0
			m.Ink[y*dw+x] = small.GetUCharAt(y, x) < 128
		}
	}
	return m, nil
}
