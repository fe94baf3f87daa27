package clustering

import (
	"math/rand"
	"testing"

	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/detections"
	"github.com/Tutortoise/crowd-safety-service/models"

	"github.com/stretchr/testify/require"
)

const (
	imgW = 640
	imgH = 480
)

func person(x, y int, conf float32, src models.Source) models.Detection {
	return models.Detection{
		Box:        models.Box{X: x, Y: y, Width: 40, Height: 100},
		Confidence: conf,
		Source:     src,
	}
}

func newMerger() *Merger {
	return NewMerger(config.Default().Merge)
}

func TestSinglePerson(t *testing.T) {
	r := newMerger().MergeSets(imgW, imgH, models.DetectionSet{person(300, 190, 0.9, models.SourceFace)})
	require.Equal(t, 1, r.PeopleCount)
	require.Len(t, r.Detections, 1)
}

func TestSameSourceOverlapKeepsBest(t *testing.T) {
	set := models.DetectionSet{
		person(300, 190, 0.5, models.SourceBody),
		person(300, 190, 0.9, models.SourceBody),
	}
	r := newMerger().MergeSets(imgW, imgH, set)
	require.Equal(t, 1, r.PeopleCount)
	require.Equal(t, float32(0.9), r.Detections[0].Confidence)
}

func TestDifferentSourcesBothConfidentAreKept(t *testing.T) {
	r := newMerger().MergeSets(imgW, imgH,
		models.DetectionSet{person(300, 190, 0.85, models.SourceFace)},
		models.DetectionSet{person(305, 190, 0.85, models.SourceBody)},
	)
	require.Equal(t, 2, r.PeopleCount)
}

func TestDifferentSourcesOneUnsureIsMerged(t *testing.T) {
	r := newMerger().MergeSets(imgW, imgH,
		models.DetectionSet{person(300, 190, 0.85, models.SourceFace)},
		models.DetectionSet{person(305, 190, 0.6, models.SourceBody)},
	)
	require.Equal(t, 1, r.PeopleCount)
	require.Equal(t, models.SourceFace, r.Detections[0].Source)
}

func TestNonOverlappingAllKept(t *testing.T) {
	var set models.DetectionSet
	for i := 0; i < 10; i++ {
		for j := 0; j < 2; j++ {
			set = append(set, person(20+i*60, 60+j*180, 0.9, models.SourceBody))
		}
	}
	r := newMerger().MergeSets(imgW, imgH, set)
	require.Equal(t, 20, r.PeopleCount)
	require.Equal(t, 20, r.RawCount)
	require.Equal(t, 20, r.FilteredCount)
}

func TestFilters(t *testing.T) {
	m := newMerger()
	cases := []struct {
		name string
		d    models.Detection
		keep bool
	}{
		{"plausible", person(300, 190, 0.7, models.SourceBody), true},
		{"speck", models.Detection{Box: models.Box{X: 300, Y: 200, Width: 10, Height: 20}, Confidence: 0.9}, false},
		{"whole image", models.Detection{Box: models.Box{X: 10, Y: 10, Width: 600, Height: 460}, Confidence: 0.99}, false},
		{"too wide", models.Detection{Box: models.Box{X: 200, Y: 200, Width: 120, Height: 60}, Confidence: 0.9}, false},
		{"square", models.Detection{Box: models.Box{X: 200, Y: 200, Width: 60, Height: 66}, Confidence: 0.9}, false},
		{"just tall enough", models.Detection{Box: models.Box{X: 200, Y: 200, Width: 60, Height: 75}, Confidence: 0.9}, true},
		{"too thin", models.Detection{Box: models.Box{X: 200, Y: 100, Width: 30, Height: 200}, Confidence: 0.9}, false},
		{"low confidence", person(300, 190, 0.1, models.SourceBody), false},
		{"border", person(0, 190, 0.7, models.SourceBody), false},
		{"border but very confident", person(0, 190, 0.95, models.SourceBody), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := m.MergeSets(imgW, imgH, models.DetectionSet{c.d})
			if c.keep {
				require.Equal(t, 1, r.PeopleCount)
			} else {
				require.Equal(t, 0, r.PeopleCount)
			}
		})
	}
}

func TestFilterBeforeSuppress(t *testing.T) {
	// A confident but implausibly wide box must not suppress the real person underneath it
	noise := models.Detection{Box: models.Box{X: 280, Y: 190, Width: 200, Height: 100}, Confidence: 0.99, Source: models.SourceBody}
	r := newMerger().MergeSets(imgW, imgH, models.DetectionSet{noise, person(300, 190, 0.6, models.SourceBody)})
	require.Equal(t, 1, r.PeopleCount)
	require.Equal(t, float32(0.6), r.Detections[0].Confidence)
}

func TestEmptyInput(t *testing.T) {
	r := newMerger().Merge(imgW, imgH, nil)
	require.Equal(t, 0, r.PeopleCount)
	require.NotNil(t, r.Detections)
	require.Nil(t, r.Estimate)
}

func TestMergeCarriesBestEstimate(t *testing.T) {
	low := &models.DensityEstimate{Confidence: 0.4, Label: "normal"}
	high := &models.DensityEstimate{Confidence: 0.9, Label: "crowded"}
	r := newMerger().Merge(imgW, imgH, []detections.Contribution{
		{Detector: "a", Estimate: low},
		{Detector: "b", Detections: models.DetectionSet{person(300, 190, 0.9, models.SourceFace)}},
		{Detector: "c", Estimate: high},
	})
	require.Equal(t, 1, r.PeopleCount)
	require.Same(t, high, r.Estimate)
}

func TestOrderIndependent(t *testing.T) {
	set := models.DetectionSet{
		person(300, 190, 0.7, models.SourceBody),
		person(310, 195, 0.7, models.SourceFace),
		person(100, 100, 0.8, models.SourceBody),
		person(120, 100, 0.8, models.SourceBody),
	}
	m := newMerger()
	want := m.MergeSets(imgW, imgH, set)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 20; i++ {
		shuffled := append(models.DetectionSet{}, set...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		require.Equal(t, want.Detections, m.MergeSets(imgW, imgH, shuffled).Detections)
	}
}

func TestNoSameSourceOverlapAfterMerge(t *testing.T) {
	cfg := config.Default().Merge
	m := NewMerger(cfg)
	rng := rand.New(rand.NewSource(42))
	sources := []models.Source{models.SourceFace, models.SourceBody}

	for trial := 0; trial < 200; trial++ {
		var sets []models.DetectionSet
		for _, src := range sources {
			var set models.DetectionSet
			for k := 0; k < 5+rng.Intn(30); k++ {
				w := 30 + rng.Intn(60)
				set = append(set, models.Detection{
					Box: models.Box{
						X:      10 + rng.Intn(imgW-w-20),
						Y:      10 + rng.Intn(imgH-250),
						Width:  w,
						Height: w + rng.Intn(3*w),
					},
					Confidence: 0.3 + 0.7*rng.Float32(),
					Source:     src,
				})
			}
			sets = append(sets, set)
		}

		r := m.MergeSets(imgW, imgH, sets...)
		require.Equal(t, len(r.Detections), r.PeopleCount)
		for i := range r.Detections {
			for j := i + 1; j < len(r.Detections); j++ {
				a, b := r.Detections[i], r.Detections[j]
				if a.Box.IOU(b.Box) <= cfg.IoUThreshold {
					continue
				}
				require.NotEqual(t, a.Source, b.Source, "trial %v: same-source overlap survived", trial)
				require.Greater(t, a.Confidence, cfg.BothConfidentMargin)
				require.Greater(t, b.Confidence, cfg.BothConfidentMargin)
			}
		}
	}
}
