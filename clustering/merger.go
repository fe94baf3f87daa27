package clustering

import (
	"sort"

	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/detections"
	"github.com/Tutortoise/crowd-safety-service/models"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
)

// Merger deduplicates the detections of several detectors into one set of person instances.
// Geometric filters run first, then greedy non-maximum suppression across all sources.
type Merger struct {
	cfg config.MergeConfig
}

func NewMerger(cfg config.MergeConfig) *Merger {
	return &Merger{cfg: cfg}
}

// Merge pools the boxes of every contribution and carries the most confident density estimate
func (m *Merger) Merge(width, height int, contributions []detections.Contribution) models.MergedResult {
	sets := make([]models.DetectionSet, 0, len(contributions))
	var estimate *models.DensityEstimate
	for _, c := range contributions {
		sets = append(sets, c.Detections)
		if c.Estimate != nil && (estimate == nil || c.Estimate.Confidence > estimate.Confidence) {
			estimate = c.Estimate
		}
	}
	result := m.MergeSets(width, height, sets...)
	result.Estimate = estimate
	return result
}

func (m *Merger) MergeSets(width, height int, sets ...models.DetectionSet) models.MergedResult {
	var all []models.Detection
	for _, s := range sets {
		all = append(all, s...)
	}

	candidates := make([]models.Detection, 0, len(all))
	for _, d := range all {
		if m.plausible(d, width, height) {
			candidates = append(candidates, d)
		}
	}

	sortByConfidence(candidates)
	kept := m.suppress(candidates)

	return models.MergedResult{
		Detections:    kept,
		PeopleCount:   len(kept),
		ImageWidth:    width,
		ImageHeight:   height,
		RawCount:      len(all),
		FilteredCount: len(candidates),
	}
}

// plausible rejects boxes that cannot be a whole, visible person
func (m *Merger) plausible(d models.Detection, width, height int) bool {
	if d.Confidence < m.cfg.MinConfidence {
		return false
	}
	area := d.Box.Area()
	if area < m.cfg.MinArea || float64(area) > m.cfg.MaxAreaFraction*float64(width*height) {
		return false
	}
	aspect := d.Box.Aspect()
	if aspect < m.cfg.MinAspect || aspect > m.cfg.MaxAspect {
		return false
	}
	if m.touchesBorder(d.Box, width, height) && d.Confidence < m.cfg.BorderConfidence {
		return false
	}
	return true
}

func (m *Merger) touchesBorder(b models.Box, width, height int) bool {
	tol := m.cfg.BorderTolerance
	return b.X <= tol || b.Y <= tol || b.X2() >= width-tol || b.Y2() >= height-tol
}

// bothConfident is the tie-break: two overlapping boxes from different detectors that are each
// confident on their own are taken to be two tightly packed people.
func (m *Merger) bothConfident(a, b models.Detection) bool {
	return a.Source != b.Source && math32.Min(a.Confidence, b.Confidence) > m.cfg.BothConfidentMargin
}

// suppress runs greedy NMS over candidates, which must already be sorted by descending confidence
func (m *Merger) suppress(candidates []models.Detection) []models.Detection {
	kept := make([]models.Detection, 0, len(candidates))
	if len(candidates) == 0 {
		return kept
	}

	// Spatial index to avoid O(N^2) comparisons on crowded frames
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(candidates))
	for _, d := range candidates {
		fb.Add(int32(d.Box.X), int32(d.Box.Y), int32(d.Box.X2()), int32(d.Box.Y2()))
	}
	fb.Finish()

	suppressed := make([]bool, len(candidates))
	for i, d := range candidates {
		if suppressed[i] {
			continue
		}
		kept = append(kept, d)
		for _, j := range fb.Search(int32(d.Box.X), int32(d.Box.Y), int32(d.Box.X2()), int32(d.Box.Y2())) {
			if j <= i || suppressed[j] {
				continue
			}
			other := candidates[j]
			if d.Box.IOU(other.Box) <= m.cfg.IoUThreshold {
				continue
			}
			if m.bothConfident(d, other) {
				continue
			}
			suppressed[j] = true
		}
	}
	return kept
}

// Descending confidence. Ties are broken by source, then position, so the output never depends on input order.
func sortByConfidence(d []models.Detection) {
	sort.SliceStable(d, func(i, j int) bool {
		a, b := d[i], d[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Box.Y != b.Box.Y {
			return a.Box.Y < b.Box.Y
		}
		return a.Box.X < b.Box.X
	})
}
