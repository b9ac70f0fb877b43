package detector

import (
	"fmt"
	"image"
	"math"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

// ssdOutputs are the four post-processed outputs of an SSD model: boxes as
// normalized [ymin, xmin, ymax, xmax], class ids, scores and the number of
// valid detections.
type ssdOutputs struct {
	boxes   []float32
	classes []float32
	scores  []float32
	count   int
}

// decodeDetections converts SSD outputs into detections in frame pixels.
// Unknown class ids are skipped.
func decodeDetections(out ssdOutputs, labels []string, width, height int) (pipeline.DetectionSet, error) {
	n := out.count
	if n < 0 {
		return nil, fmt.Errorf("negative detection count %d", n)
	}
	if len(out.classes) < n || len(out.scores) < n || len(out.boxes) < 4*n {
		return nil, fmt.Errorf("detection count %d exceeds output sizes (boxes %d, classes %d, scores %d)",
			n, len(out.boxes), len(out.classes), len(out.scores))
	}

	dets := make(pipeline.DetectionSet, 0, n)
	for i := range n {
		score := float64(out.scores[i])
		if math.IsNaN(score) || score <= 0 {
			continue
		}
		name, ok := labelFor(labels, int(out.classes[i]))
		if !ok {
			continue
		}

		b := out.boxes[4*i : 4*i+4]
		x1 := scaleCoord(b[1], width)
		y1 := scaleCoord(b[0], height)
		x2 := scaleCoord(b[3], width)
		y2 := scaleCoord(b[2], height)
		dets = append(dets, pipeline.Detection{
			ClassName:  name,
			Confidence: min(score, 1),
			BBox:       [4]int{min(x1, x2), min(y1, y2), max(x1, x2), max(y1, y2)},
		})
	}
	return dets, nil
}

func scaleCoord(v float32, size int) int {
	if math.IsNaN(float64(v)) {
		return 0
	}
	px := int(math.Round(float64(v) * float64(size)))
	return max(0, min(px, size))
}

// fillUint8 writes img into dst as packed RGB of size w*h using
// nearest-neighbour sampling.
func fillUint8(dst []uint8, img image.Image, w, h int) {
	sampleRGB(img, w, h, func(i int, r, g, b uint8) {
		dst[i], dst[i+1], dst[i+2] = r, g, b
	})
}

// fillFloat32 writes img into dst as packed RGB normalized to [-1, 1].
func fillFloat32(dst []float32, img image.Image, w, h int) {
	const mean, scale = 127.5, 127.5
	sampleRGB(img, w, h, func(i int, r, g, b uint8) {
		dst[i] = (float32(r) - mean) / scale
		dst[i+1] = (float32(g) - mean) / scale
		dst[i+2] = (float32(b) - mean) / scale
	})
}

func sampleRGB(img image.Image, w, h int, set func(i int, r, g, b uint8)) {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return
	}
	for y := range h {
		sy := bounds.Min.Y + y*srcH/h
		for x := range w {
			sx := bounds.Min.X + x*srcW/w
			r, g, b, _ := img.At(sx, sy).RGBA()
			set((y*w+x)*3, uint8(r>>8), uint8(g>>8), uint8(b>>8)) //nolint:gosec // 16-bit channels shifted to 8 bits
		}
	}
}
