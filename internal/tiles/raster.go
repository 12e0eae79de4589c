// Package tiles rasterizes tile slices and keeps the per-run slice cache.
package tiles

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/drawing-worker/internal/model"
)

// DecodeConfig reads only the header of an encoded drawing.
func DecodeConfig(data []byte) (image.Config, string, error) {
	return image.DecodeConfig(bytes.NewReader(data))
}

// Decode decodes a PNG, JPEG, TIFF, BMP or WebP drawing.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode drawing: %w", err)
	}
	return img, format, nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop returns the tile's region of src. The result shares pixels with src
// when the image type supports it.
func Crop(src image.Image, t model.TileSpec) image.Image {
	b := src.Bounds()
	r := image.Rect(t.OffsetX, t.OffsetY, t.OffsetX+t.Width, t.OffsetY+t.Height).Add(b.Min).Intersect(b)
	if si, ok := src.(subImager); ok {
		return si.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

// EncodePNG encodes img with fast compression; slices are transient.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode slice: %w", err)
	}
	return buf.Bytes(), nil
}

// Fit scales img down so its longest side is at most maxSide and returns the
// factor that maps scaled coordinates back to the original.
func Fit(img image.Image, maxSide int) (image.Image, float64) {
	b := img.Bounds()
	longest := max(b.Dx(), b.Dy())
	if maxSide <= 0 || longest <= maxSide {
		return img, 1
	}
	f := float64(maxSide) / float64(longest)
	w := max(1, int(float64(b.Dx())*f))
	h := max(1, int(float64(b.Dy())*f))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst, float64(b.Dx()) / float64(w)
}
