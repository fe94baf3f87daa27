// Package risk turns a merged detection result into a discrete crowd risk level.
//
// Scoring is a pure function of its input: the same MergedResult, tier, confidence and stream snapshot
// always produce the same Assessment.
package risk

import (
	"math"

	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/models"

	"gonum.org/v1/gonum/stat"
)

// StreamSnapshot is the read-only view of a stream's history at the moment a frame is scored
type StreamSnapshot struct {
	RecentCounts []float64 // people counts of previous frames, oldest first
	MotionScore  float64   // frame difference against the previous frame, in [0,1]
}

type Input struct {
	Merged     models.MergedResult
	Tier       models.Tier
	Confidence float64 // aggregate detection confidence
	Stream     *StreamSnapshot
}

type Assessment struct {
	Factors         models.RiskFactors
	Level           models.RiskLevel
	IsStampedeRisk  bool
	CrowdDensity    float64
	StatusMessage   string
	Recommendations []string
}

type Scorer struct {
	cfg config.RiskConfig
}

func NewScorer(cfg config.RiskConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

func (s *Scorer) Score(in Input) Assessment {
	count := in.Merged.PeopleCount
	density := s.Density(count, in.Merged.ImageWidth, in.Merged.ImageHeight)

	f := models.RiskFactors{
		HighPeopleCount:     count > s.cfg.HighPeopleCount,
		HighDensity:         density > s.cfg.HighDensity,
		ModelConfidenceHigh: in.Confidence > s.cfg.HighConfidence,
		MovementChaos:       s.movementChaos(count, in.Stream),
	}

	// An empty scene is never a stampede, whatever the classifier or the motion history says
	stampede := count > 0 && f.Count() >= s.cfg.MinFactors
	level := models.RiskNormal
	switch {
	case stampede:
		level = models.RiskHighRisk
	case count >= s.cfg.CrowdedMin || f.HighDensity:
		level = models.RiskCrowded
	}

	return Assessment{
		Factors:         f,
		Level:           level,
		IsStampedeRisk:  stampede,
		CrowdDensity:    density,
		StatusMessage:   StatusMessage(level, in.Tier, count, in.Confidence),
		Recommendations: Recommendations(level, count),
	}
}

// Density is the people count relative to the number of people that comfortably fit in the frame, clamped to [0,1]
func (s *Scorer) Density(count, width, height int) float64 {
	capacity := math.Max(1, float64(width)*float64(height)/float64(s.cfg.PixelsPerPerson))
	return clamp01(float64(count) / capacity)
}

// A sudden swing in head count, or a lot of pixel movement between frames, both suggest a crowd in motion
func (s *Scorer) movementChaos(count int, stream *StreamSnapshot) bool {
	if stream == nil {
		return false
	}
	if stream.MotionScore > s.cfg.MotionChaos {
		return true
	}
	if len(stream.RecentCounts) < max(2, s.cfg.ChaosMinHistory) {
		return false
	}
	mean, std := stat.MeanStdDev(stream.RecentCounts, nil)
	if math.IsNaN(std) {
		std = 0
	}
	swing := math.Abs(float64(count) - mean)
	return swing > math.Max(s.cfg.ChaosMinSwing, s.cfg.ChaosSigma*std)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
