package facematch

import (
	"image"
	"sort"

	"golang.org/x/image/draw"
)

// Box is a detected face region in pixel coordinates, [X1,X2) x [Y1,Y2).
type Box struct {
	X1, Y1, X2, Y2 int
	// Score is the detector confidence, 0 when the detector has none.
	Score float64
}

// Rect returns the box as an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// ComputeIoU calculates Intersection over Union between two boxes.
func ComputeIoU(a, b Box) float64 {
	inter := a.Rect().Intersect(b.Rect())
	if inter.Empty() {
		return 0
	}

	intersection := float64(inter.Dx() * inter.Dy())
	areaA := float64(a.Rect().Dx() * a.Rect().Dy())
	areaB := float64(b.Rect().Dx() * b.Rect().Dy())
	union := areaA + areaB - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// SuppressOverlaps drops boxes that overlap a higher-scoring box by more than
// maxIoU. Detectors sometimes report one face twice; the survivors keep their
// relative order.
func SuppressOverlaps(boxes []Box, maxIoU float64) []Box {
	if len(boxes) < 2 {
		return boxes
	}

	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return boxes[order[i]].Score > boxes[order[j]].Score
	})

	dropped := make([]bool, len(boxes))
	for i, bi := range order {
		if dropped[bi] {
			continue
		}
		for _, bj := range order[i+1:] {
			if !dropped[bj] && ComputeIoU(boxes[bi], boxes[bj]) > maxIoU {
				dropped[bj] = true
			}
		}
	}

	kept := make([]Box, 0, len(boxes))
	for i, b := range boxes {
		if !dropped[i] {
			kept = append(kept, b)
		}
	}
	return kept
}

// Crop returns the part of frame covered by the box, clamped to the frame
// bounds. ok is false when nothing of the box lies inside the frame.
func Crop(frame image.Image, box Box) (img image.Image, ok bool) {
	r := box.Rect().Intersect(frame.Bounds())
	if r.Empty() {
		return nil, false
	}

	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}
	if si, ok := frame.(subImager); ok {
		return si.SubImage(r), true
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), frame, r.Min, draw.Src)
	return dst, true
}
