package tiers

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/Tutortoise/crowd-safety-service/models"

	"github.com/cyclopcam/logs"
)

// Selector tries each strategy in order and returns the first answer.
// A tier is never re-entered once the chain has moved past it.
type Selector struct {
	log        logs.Log
	strategies []Strategy
}

func NewSelector(log logs.Log, strategies ...Strategy) *Selector {
	return &Selector{
		log:        log,
		strategies: strategies,
	}
}

// Tiers lists the configured chain, in order
func (s *Selector) Tiers() []models.Tier {
	out := make([]models.Tier, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, st.Tier())
	}
	return out
}

// Select never fails. If every strategy errors, the defect is logged at the highest severity
// and an empty demo outcome is returned.
func (s *Selector) Select(ctx context.Context, img image.Image, hint Hint) Outcome {
	var causes []string
	for _, st := range s.strategies {
		out, err := s.try(ctx, st, img, hint)
		if err == nil {
			out.Causes = causes
			return out
		}
		s.log.Warnf("Tier %v failed, moving on: %v", st.Tier(), err)
		causes = append(causes, fmt.Sprintf("%v: %v", st.Tier(), err))
	}

	s.log.Criticalf("%v: %v", models.ErrAllTiersExhausted, strings.Join(causes, "; "))
	out := Outcome{
		Tier:       models.TierDemo,
		Confidence: 0,
		Causes:     causes,
		Merged:     models.MergedResult{Detections: []models.Detection{}},
	}
	if img != nil {
		out.Merged.ImageWidth, out.Merged.ImageHeight = img.Bounds().Dx(), img.Bounds().Dy()
	}
	return out
}

func (s *Selector) try(ctx context.Context, st Strategy, img image.Image, hint Hint) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return st.Run(ctx, img, hint)
}
