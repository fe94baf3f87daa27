package tiers

import (
	"context"
	"image"
	"math/rand"
	"sync"
	"time"

	"github.com/Tutortoise/crowd-safety-service/models"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/stat"
)

const (
	DemoConfidence = 0.3

	// Images whose luminance varies less than this are treated as empty scenes
	demoMinContrast = 8.0
	demoProbeSide   = 64
)

// DemoStrategy answers without any vision capability. It never fails.
// Featureless images always report zero people; otherwise the previous count is reused when the
// caller has one, and a small random count is invented when it does not.
type DemoStrategy struct {
	maxPeople int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewDemo(maxPeople int, rng *rand.Rand) *DemoStrategy {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &DemoStrategy{
		maxPeople: max(0, maxPeople),
		rng:       rng,
	}
}

func (d *DemoStrategy) Tier() models.Tier {
	return models.TierDemo
}

func (d *DemoStrategy) Run(ctx context.Context, img image.Image, hint Hint) (out Outcome, err error) {
	w, h := 0, 0
	if img != nil {
		w, h = img.Bounds().Dx(), img.Bounds().Dy()
	}
	defer func() {
		// Whatever goes wrong, the demo tier still answers
		if r := recover(); r != nil {
			out = d.outcome(0, w, h)
			err = nil
		}
	}()

	count := 0
	switch {
	case img == nil || lowTexture(img):
		count = 0
	case hint.HasPrevious:
		count = min(max(hint.PreviousCount, 0), d.maxPeople)
	case d.maxPeople > 0:
		d.mu.Lock()
		count = 1 + d.rng.Intn(d.maxPeople)
		d.mu.Unlock()
	}
	return d.outcome(count, w, h), nil
}

func (d *DemoStrategy) outcome(count, w, h int) Outcome {
	dets := syntheticPeople(count, w, h)
	return Outcome{
		Tier: models.TierDemo,
		Merged: models.MergedResult{
			Detections:  dets,
			PeopleCount: len(dets),
			ImageWidth:  w,
			ImageHeight: h,
		},
		Confidence: DemoConfidence,
	}
}

// syntheticPeople lays count upright boxes side by side across the middle of the frame
func syntheticPeople(count, w, h int) []models.Detection {
	dets := make([]models.Detection, 0, count)
	if count == 0 {
		return dets
	}
	cellW := max(1, w/count)
	boxW := max(1, cellW/2)
	boxH := max(1, min(h/2, boxW*3))
	y := max(0, (h-boxH)/2)
	for i := 0; i < count; i++ {
		dets = append(dets, models.Detection{
			Box: models.Box{
				X:      i*cellW + (cellW-boxW)/2,
				Y:      y,
				Width:  boxW,
				Height: boxH,
			},
			Confidence: DemoConfidence,
			Source:     models.SourceBody,
		})
	}
	return dets
}

func lowTexture(img image.Image) bool {
	probe := imaging.Grayscale(imaging.Fit(img, demoProbeSide, demoProbeSide, imaging.Box))
	n := probe.Bounds().Dx() * probe.Bounds().Dy()
	if n == 0 {
		return true
	}
	lum := make([]float64, 0, n)
	for i := 0; i < len(probe.Pix); i += 4 {
		lum = append(lum, float64(probe.Pix[i]))
	}
	return stat.StdDev(lum, nil) < demoMinContrast
}
