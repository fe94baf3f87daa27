package tiers

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/crowd-safety-service/clustering"
	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/detections"
	"github.com/Tutortoise/crowd-safety-service/models"

	"github.com/cyclopcam/logs"
)

// NeutralConfidence is reported when a tier ran cleanly but nothing contributed a confidence
const NeutralConfidence = 0.5

var (
	ErrNoDetectors = errors.New("no detector available")
	ErrNoSignal    = errors.New("no detector produced a usable result")
)

// Hint carries what the caller already knows about the scene, for tiers that cannot look at it themselves
type Hint struct {
	PreviousCount int
	HasPrevious   bool
}

// Outcome is the answer of the tier that served a request
type Outcome struct {
	Tier       models.Tier
	Merged     models.MergedResult
	Confidence float64
	Detectors  []string // detectors that ran cleanly
	Causes     []string // why earlier tiers were skipped
}

type Strategy interface {
	Tier() models.Tier
	Run(ctx context.Context, img image.Image, hint Hint) (Outcome, error)
}

// DetectorStrategy runs a detector roster and merges the results
type DetectorStrategy struct {
	tier      models.Tier
	detectors []detections.Detector
	merger    *clustering.Merger
	timeout   time.Duration
	floor     float32
	log       logs.Log
}

// NewPrimary uses the full roster, including the learned classifier.
// It only succeeds when some detector actually saw something, or the classifier is sure enough.
func NewPrimary(log logs.Log, roster *detections.Roster, merger *clustering.Merger, cfg *config.Config) *DetectorStrategy {
	return &DetectorStrategy{
		tier:      models.TierPrimary,
		detectors: roster.Primary,
		merger:    merger,
		timeout:   cfg.Tiers.PrimaryTimeout(),
		floor:     cfg.Detectors.Classifier.ConfidenceFloor,
		log:       log,
	}
}

// NewFallback uses only the geometric detectors. A clean run with zero people is a valid answer.
func NewFallback(log logs.Log, roster *detections.Roster, merger *clustering.Merger, cfg *config.Config) *DetectorStrategy {
	return &DetectorStrategy{
		tier:      models.TierFallback,
		detectors: roster.Fallback,
		merger:    merger,
		timeout:   cfg.Tiers.FallbackTimeout(),
		log:       log,
	}
}

func (s *DetectorStrategy) Tier() models.Tier {
	return s.tier
}

func (s *DetectorStrategy) Run(ctx context.Context, img image.Image, hint Hint) (Outcome, error) {
	if len(s.detectors) == 0 {
		return Outcome{}, ErrNoDetectors
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	report, err := detections.Run(ctx, s.log, s.detectors, img)
	if err != nil {
		return Outcome{}, fmt.Errorf("detectors did not finish: %w", err)
	}
	if len(report.Succeeded) == 0 {
		return Outcome{}, fmt.Errorf("%w: %v failed", ErrNoSignal, report.Failed)
	}

	b := img.Bounds()
	merged := s.merger.Merge(b.Dx(), b.Dy(), report.Contributions)

	if s.tier == models.TierPrimary {
		confidentEstimate := merged.Estimate != nil && merged.Estimate.Confidence >= s.floor
		if merged.RawCount == 0 && !confidentEstimate {
			return Outcome{}, ErrNoSignal
		}
	}

	return Outcome{
		Tier:       s.tier,
		Merged:     merged,
		Confidence: AggregateConfidence(merged),
		Detectors:  report.Succeeded,
	}, nil
}

// AggregateConfidence is the mean confidence of the retained boxes, averaged with the
// classifier's confidence when there is an estimate.
func AggregateConfidence(m models.MergedResult) float64 {
	var sum float64
	for _, d := range m.Detections {
		sum += float64(d.Confidence)
	}
	hasBoxes := len(m.Detections) > 0
	switch {
	case hasBoxes && m.Estimate != nil:
		return (sum/float64(len(m.Detections)) + float64(m.Estimate.Confidence)) / 2
	case hasBoxes:
		return sum / float64(len(m.Detections))
	case m.Estimate != nil:
		return float64(m.Estimate.Confidence)
	}
	return NeutralConfidence
}
