package detections

import (
	"context"
	"fmt"
	"image"

	"github.com/Tutortoise/crowd-safety-service/models"
)

// Contribution is what one detector adds for one image: boxes with confidence,
// or a whole-image density estimate, or both.
type Contribution struct {
	Detector   string
	Detections models.DetectionSet
	Estimate   *models.DensityEstimate
}

// Detector proposes person instances for an image.
// Implementations must be safe for concurrent use.
type Detector interface {
	Name() string
	Source() models.Source
	Detect(ctx context.Context, img image.Image) (Contribution, error)
}

// DetectorFunc adapts a plain function to the Detector interface
type DetectorFunc struct {
	DetectorName   string
	DetectorSource models.Source
	Fn             func(ctx context.Context, img image.Image) (Contribution, error)
}

func (f DetectorFunc) Name() string {
	return f.DetectorName
}

func (f DetectorFunc) Source() models.Source {
	return f.DetectorSource
}

func (f DetectorFunc) Detect(ctx context.Context, img image.Image) (Contribution, error) {
	return f.Fn(ctx, img)
}

type DetectorError struct {
	Detector string
	Cause    error
}

func (e *DetectorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("detector %s: %v", e.Detector, e.Cause)
	}
	return "detector " + e.Detector + " failed"
}

func (e *DetectorError) Unwrap() error {
	return e.Cause
}

// boxesFor clips every box to the image and drops empty ones
func boxesFor(src models.Source, width, height int, boxes []models.Box, conf []float32) models.DetectionSet {
	out := make(models.DetectionSet, 0, len(boxes))
	for i, b := range boxes {
		c := b.Clip(width, height)
		if c.Area() == 0 {
			continue
		}
		out = append(out, models.Detection{
			Box:        c,
			Confidence: clamp01(conf[i]),
			Source:     src,
		})
	}
	return out
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
