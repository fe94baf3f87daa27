package detections

import (
	"context"
	"image"

	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/models"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/stat"
)

// SilhouetteDetector looks for dark upright blobs against the background.
// It needs no model files, so it is always available, but it is much less precise than the face
// detector and its confidence is capped accordingly.
type SilhouetteDetector struct {
	cfg config.SilhouetteConfig
}

func NewSilhouetteDetector(cfg config.SilhouetteConfig) *SilhouetteDetector {
	return &SilhouetteDetector{cfg: cfg}
}

func (sd *SilhouetteDetector) Name() string {
	return "silhouette"
}

func (sd *SilhouetteDetector) Source() models.Source {
	return models.SourceBody
}

func (sd *SilhouetteDetector) Detect(ctx context.Context, img image.Image) (Contribution, error) {
	if err := ctx.Err(); err != nil {
		return Contribution{}, err
	}

	origW, origH := img.Bounds().Dx(), img.Bounds().Dy()
	gray := sd.workingImage(img)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()

	lum := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < w; x++ {
			lum[y*w+x] = float64(row[x*4])
		}
	}

	mean, std := stat.MeanStdDev(lum, nil)
	if std < sd.cfg.MinContrast {
		// Featureless image (blank wall, lens cap, solid fill)
		return Contribution{Detections: models.DetectionSet{}}, nil
	}
	threshold := mean - sd.cfg.DarknessSigma*std

	mask := make([]bool, w*h)
	for i, v := range lum {
		mask[i] = v < threshold
	}

	comps := connectedComponents(mask, w, h, sd.cfg.MinPixels)
	if err := ctx.Err(); err != nil {
		return Contribution{}, err
	}

	sx := float64(origW) / float64(w)
	sy := float64(origH) / float64(h)
	boxes := make([]models.Box, 0, len(comps))
	conf := make([]float32, 0, len(comps))
	for _, c := range comps {
		boxes = append(boxes, c.box.Scale(sx, sy))
		conf = append(conf, sd.confidence(c))
	}

	return Contribution{
		Detections: boxesFor(models.SourceBody, origW, origH, boxes, conf),
	}, nil
}

// workingImage is a small, blurred grayscale copy of img with min point at (0,0)
func (sd *SilhouetteDetector) workingImage(img image.Image) *image.NRGBA {
	b := img.Bounds()
	var small *image.NRGBA
	if sd.cfg.MaxSide > 0 && (b.Dx() > sd.cfg.MaxSide || b.Dy() > sd.cfg.MaxSide) {
		small = imaging.Fit(img, sd.cfg.MaxSide, sd.cfg.MaxSide, imaging.Box)
	} else {
		small = imaging.Clone(img)
	}
	gray := imaging.Grayscale(small)
	if sd.cfg.BlurSigma > 0 {
		gray = imaging.Blur(gray, sd.cfg.BlurSigma)
	}
	return gray
}

// Fill ratio rewards solid blobs; upright aspect ratios are more plausible for a standing person
func (sd *SilhouetteDetector) confidence(c component) float32 {
	fill := float64(c.pixels) / float64(max(1, c.box.Area()))
	aspect := c.box.Aspect()
	shape := 0.4
	if aspect >= 1.2 && aspect <= 4 {
		shape = 1
	} else if aspect >= 1 && aspect <= 5 {
		shape = 0.7
	}
	return float32(0.5*fill+0.5*shape) * sd.cfg.MaxConfidence
}

type component struct {
	box    models.Box
	pixels int
}

// connectedComponents returns the bounding boxes of 4-connected regions of set pixels that have at least minPixels pixels
func connectedComponents(mask []bool, w, h, minPixels int) []component {
	seen := make([]bool, len(mask))
	queue := make([]int, 0, 256)
	var out []component

	for start := range mask {
		if seen[start] || !mask[start] {
			continue
		}
		seen[start] = true
		queue = append(queue[:0], start)
		x0, y0 := start%w, start/w
		x1, y1 := x0, y0
		n := 0
		for len(queue) != 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			n++
			x, y := i%w, i/w
			x0, x1 = min(x0, x), max(x1, x)
			y0, y1 = min(y0, y), max(y1, y)

			if x > 0 {
				queue = visit(mask, seen, queue, i-1)
			}
			if x < w-1 {
				queue = visit(mask, seen, queue, i+1)
			}
			if y > 0 {
				queue = visit(mask, seen, queue, i-w)
			}
			if y < h-1 {
				queue = visit(mask, seen, queue, i+w)
			}
		}
		if n < minPixels {
			continue
		}
		out = append(out, component{
			box:    models.Box{X: x0, Y: y0, Width: x1 - x0 + 1, Height: y1 - y0 + 1},
			pixels: n,
		})
	}
	return out
}

func visit(mask, seen []bool, queue []int, i int) []int {
	if seen[i] || !mask[i] {
		return queue
	}
	seen[i] = true
	return append(queue, i)
}
