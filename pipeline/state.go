package pipeline

import (
	"image"
	"math"

	"github.com/Tutortoise/crowd-safety-service/models"
	"github.com/Tutortoise/crowd-safety-service/risk"

	"github.com/bmharper/ringbuffer"
	"github.com/disintegration/imaging"
)

const motionProbeSide = 160

// StreamStats is the externally visible summary of a stream
type StreamStats struct {
	Handle              string  `json:"handle"`
	TotalFrames         int     `json:"total_frames"`
	AvgProcessingTimeMS float64 `json:"avg_processing_time_ms"`
	AlertsTriggered     int     `json:"alerts_triggered"`
	LastPeopleCount     int     `json:"last_people_count"`
	LastRiskLevel       string  `json:"last_risk_level,omitempty"`
}

// StreamState is the only cross-frame memory in the pipeline.
// It is owned by a single stream goroutine and must not be shared.
type StreamState struct {
	TotalFrames         int
	AvgProcessingTimeMS float64
	AlertsTriggered     int

	recent           ringbuffer.RingP[models.Verdict]
	historySize      int
	prevGray         *image.NRGBA
	motionNormalizer float64
}

// NewStreamState keeps the last historySize verdicts (at least one)
func NewStreamState(historySize int, motionNormalizer float64) *StreamState {
	historySize = max(historySize, 1)
	// A RingP of size n holds n-1 items, and n must be a power of 2
	return &StreamState{
		recent:           ringbuffer.NewRingP[models.Verdict](nextPowerOf2(historySize + 1)),
		historySize:      historySize,
		motionNormalizer: motionNormalizer,
	}
}

// Motion compares img with the previous frame and remembers img for next time.
// The score is the mean absolute luminance difference, normalized to [0,1]. The first frame scores zero.
func (s *StreamState) Motion(img image.Image) float64 {
	gray := imaging.Grayscale(imaging.Fit(img, motionProbeSide, motionProbeSide, imaging.Box))
	prev := s.prevGray
	s.prevGray = gray
	if prev == nil || prev.Bounds() != gray.Bounds() || s.motionNormalizer <= 0 {
		return 0
	}

	var sum float64
	n := 0
	for i := 0; i < len(gray.Pix); i += 4 {
		sum += math.Abs(float64(gray.Pix[i]) - float64(prev.Pix[i]))
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Min(1, sum/float64(n)/s.motionNormalizer)
}

// Snapshot captures the last historySize people counts, oldest first
func (s *StreamState) Snapshot(motion float64) *risk.StreamSnapshot {
	first := max(0, s.recent.Len()-s.historySize)
	counts := make([]float64, 0, s.recent.Len()-first)
	for i := first; i < s.recent.Len(); i++ {
		counts = append(counts, float64(s.recent.Peek(i).PeopleCount))
	}
	return &risk.StreamSnapshot{
		RecentCounts: counts,
		MotionScore:  motion,
	}
}

// Record folds a finished verdict into the stream's aggregates
func (s *StreamState) Record(v models.Verdict) {
	s.TotalFrames++
	s.AvgProcessingTimeMS += (v.ProcessingTimeMS - s.AvgProcessingTimeMS) / float64(s.TotalFrames)
	if v.IsStampedeRisk {
		s.AlertsTriggered++
	}
	s.recent.Add(v)
}

// Last returns the most recent verdict
func (s *StreamState) Last() (models.Verdict, bool) {
	if s.recent.Len() == 0 {
		return models.Verdict{}, false
	}
	return s.recent.Peek(s.recent.Len() - 1), true
}

func (s *StreamState) Stats(handle string) StreamStats {
	st := StreamStats{
		Handle:              handle,
		TotalFrames:         s.TotalFrames,
		AvgProcessingTimeMS: s.AvgProcessingTimeMS,
		AlertsTriggered:     s.AlertsTriggered,
	}
	if last, ok := s.Last(); ok {
		st.LastPeopleCount = last.PeopleCount
		st.LastRiskLevel = string(last.RiskLevel)
	}
	return st
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}
