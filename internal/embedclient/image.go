package embedclient

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const jpegQuality = 85

// encodeJPEG encodes img as JPEG, shrinking it to fit within maxSize when it
// is larger. It returns the factor that maps encoded pixel coordinates back
// to img's coordinates (1 when not resized).
func encodeJPEG(img image.Image, maxSize int) ([]byte, float64, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, 0, fmt.Errorf("empty image %dx%d", width, height)
	}

	src := img
	scale := 1.0
	if maxSize > 0 && (width > maxSize || height > maxSize) {
		var newWidth, newHeight int
		if width > height {
			newWidth = maxSize
			newHeight = max(1, int(float64(height)*float64(maxSize)/float64(width)))
		} else {
			newHeight = maxSize
			newWidth = max(1, int(float64(width)*float64(maxSize)/float64(height)))
		}
		resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		src = resized
		scale = float64(width) / float64(newWidth)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, 0, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), scale, nil
}
