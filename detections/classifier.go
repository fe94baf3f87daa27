package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/models"

	"github.com/chewxy/math32"
	"github.com/disintegration/imaging"
)

// Classifier is the learned whole-image crowd classifier. It contributes a density estimate
// (normal, crowded, stampede) instead of boxes.
type Classifier struct {
	cfg          config.ClassifierConfig
	sessions     SessionSource
	preprocessor *Preprocessor
}

func NewClassifier(cfg config.ClassifierConfig, sessions SessionSource) *Classifier {
	return &Classifier{
		cfg:          cfg,
		sessions:     sessions,
		preprocessor: NewPreprocessor(cfg.InputWidth, cfg.InputHeight),
	}
}

func (c *Classifier) Name() string {
	return "classifier"
}

func (c *Classifier) Source() models.Source {
	return models.SourceModel
}

func (c *Classifier) Detect(ctx context.Context, img image.Image) (Contribution, error) {
	resized := imaging.Resize(img, c.cfg.InputWidth, c.cfg.InputHeight, imaging.Linear)

	session, err := c.sessions.Acquire(ctx)
	if err != nil {
		return Contribution{}, fmt.Errorf("acquire session: %w", err)
	}
	defer c.sessions.Release(session)

	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Contribution{}, ctx.Err()
		default:
		}

		est, err := c.infer(resized, session)
		if err == nil {
			return Contribution{Estimate: est}, nil
		}
		lastErr = err

		if attempt < RetryAttempts {
			time.Sleep(time.Duration(attempt) * RetryDelayMs * time.Millisecond)
		}
	}

	if lastErr != nil {
		return Contribution{}, lastErr
	}
	return Contribution{}, errors.New("unknown error")
}

func (c *Classifier) infer(img image.Image, session InferenceSession) (*models.DensityEstimate, error) {
	input := session.Input()
	if len(input) < 3*c.cfg.InputWidth*c.cfg.InputHeight {
		return nil, fmt.Errorf("input tensor too small: %d", len(input))
	}
	c.preprocessor.Process(img, input)

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	out := session.Output()
	if len(out) < NumClasses {
		return nil, fmt.Errorf("unexpected output length: got %d, want %d", len(out), NumClasses)
	}
	return EstimateFromOutput(out[:NumClasses]), nil
}

// EstimateFromOutput turns raw class scores into a DensityEstimate.
// Scores that do not already look like probabilities are treated as logits.
func EstimateFromOutput(scores []float32) *models.DensityEstimate {
	var probs [NumClasses]float32
	copy(probs[:], scores)
	if !isDistribution(probs[:]) {
		softmax(probs[:])
	}

	best := 0
	for i := 1; i < NumClasses; i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return &models.DensityEstimate{
		Probabilities: probs,
		Confidence:    probs[best],
		Label:         models.DensityLabels[best],
	}
}

func isDistribution(p []float32) bool {
	var sum float32
	for _, v := range p {
		if v < 0 || v > 1 || math32.IsNaN(v) {
			return false
		}
		sum += v
	}
	return math32.Abs(sum-1) < 1e-3
}

func softmax(p []float32) {
	mx := p[0]
	for _, v := range p[1:] {
		mx = math32.Max(mx, v)
	}
	var sum float32
	for i, v := range p {
		p[i] = math32.Exp(v - mx)
		sum += p[i]
	}
	for i := range p {
		p[i] /= sum
	}
}
