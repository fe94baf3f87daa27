// Package pipeline runs images through the tier chain and the risk scorer, either one-shot,
// as background jobs behind a poll handle, or as per-stream sequential frame loops.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/models"
	"github.com/Tutortoise/crowd-safety-service/risk"
	"github.com/Tutortoise/crowd-safety-service/tiers"

	"github.com/cyclopcam/logs"
)

// Observation is handed to every Sink after a verdict is produced
type Observation struct {
	Stream  string // empty for single-shot analysis
	Verdict models.Verdict
	Image   image.Image
}

// Sink consumes verdicts, e.g. to publish alerts or store samples.
// Sinks are called from a single delivery goroutine, outside of any pipeline lock.
type Sink interface {
	Observe(ctx context.Context, obs Observation) error
}

type Options struct {
	Workers          int
	PollAttempts     int
	PollInterval     time.Duration
	JobDeadline      time.Duration
	ResultTTL        time.Duration
	HistorySize      int
	MinImageSide     int
	MaxImageSide     int
	StreamQueue      int
	MotionNormalizer float64
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers:          cfg.Analysis.Workers,
		PollAttempts:     cfg.Analysis.PollAttempts,
		PollInterval:     cfg.Analysis.PollInterval(),
		JobDeadline:      cfg.Analysis.JobDeadline(),
		ResultTTL:        cfg.Analysis.ResultTTL(),
		HistorySize:      cfg.Analysis.HistorySize,
		MinImageSide:     cfg.Analysis.MinImageSide,
		MaxImageSide:     cfg.Analysis.MaxImageSide,
		StreamQueue:      cfg.Analysis.StreamQueue,
		MotionNormalizer: cfg.Risk.MotionNormalizer,
	}
}

// Metrics are cumulative counters since process start
type Metrics struct {
	Analyses    int64            `json:"analyses"`
	ByTier      map[string]int64 `json:"by_tier"`
	Alerts      int64            `json:"alerts"`
	JobsPending int              `json:"jobs_pending"`
	Streams     int              `json:"streams"`
	SinkDropped int64            `json:"sink_dropped"` // observations lost to a full sink queue
}

type Pipeline struct {
	opts     Options
	log      logs.Log
	selector *tiers.Selector
	scorer   *risk.Scorer
	sinks    []Sink
	workers  chan struct{}

	jobsLock sync.Mutex
	jobs     map[string]*job

	streamsLock sync.Mutex
	streams     map[string]*stream

	nAnalyses atomic.Int64
	nPrimary  atomic.Int64
	nFallback atomic.Int64
	nDemo     atomic.Int64
	nAlerts   atomic.Int64

	observations chan Observation
	quit         chan struct{}
	dispatchDone chan struct{}
	closeOnce    sync.Once
	nSinkDropped atomic.Int64
	sinkFailures []int64     // owned by dispatchLoop
	sinkLastLog  []time.Time // owned by dispatchLoop
}

func New(opts Options, log logs.Log, selector *tiers.Selector, scorer *risk.Scorer, sinks ...Sink) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 16
	}
	p := &Pipeline{
		opts:         opts,
		log:          log,
		selector:     selector,
		scorer:       scorer,
		sinks:        sinks,
		workers:      make(chan struct{}, opts.Workers),
		jobs:         map[string]*job{},
		streams:      map[string]*stream{},
		observations: make(chan Observation, sinkQueueSize),
		quit:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
		sinkFailures: make([]int64, len(sinks)),
		sinkLastLog:  make([]time.Time, len(sinks)),
	}
	go p.dispatchLoop()
	return p
}

// Analyze runs one image through the pipeline synchronously
func (p *Pipeline) Analyze(ctx context.Context, img image.Image) (models.Verdict, error) {
	if err := p.ValidateImage(img); err != nil {
		return models.Verdict{}, err
	}
	v := p.analyze(ctx, img, tiers.Hint{}, nil)
	p.emit(Observation{Verdict: v, Image: img})
	return v, nil
}

// ValidateImage rejects images that are missing or outside the supported size range
func (p *Pipeline) ValidateImage(img image.Image) error {
	if img == nil {
		return fmt.Errorf("%w: no image", models.ErrInvalidImage)
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w < p.opts.MinImageSide || h < p.opts.MinImageSide {
		return fmt.Errorf("%w: %dx%d is smaller than the minimum of %d pixels per side", models.ErrInvalidImage, w, h, p.opts.MinImageSide)
	}
	if p.opts.MaxImageSide > 0 && (w > p.opts.MaxImageSide || h > p.opts.MaxImageSide) {
		return fmt.Errorf("%w: %dx%d is larger than the maximum of %d pixels per side", models.ErrInvalidImage, w, h, p.opts.MaxImageSide)
	}
	return nil
}

func (p *Pipeline) analyze(ctx context.Context, img image.Image, hint tiers.Hint, stream *risk.StreamSnapshot) models.Verdict {
	start := time.Now()
	out := p.selector.Select(ctx, img, hint)
	a := p.scorer.Score(risk.Input{
		Merged:     out.Merged,
		Tier:       out.Tier,
		Confidence: out.Confidence,
		Stream:     stream,
	})

	v := models.Verdict{
		PeopleCount:      out.Merged.PeopleCount,
		ConfidenceScore:  out.Confidence,
		CrowdDensity:     a.CrowdDensity,
		RiskLevel:        a.Level,
		IsStampedeRisk:   a.IsStampedeRisk,
		StatusMessage:    a.StatusMessage,
		TierUsed:         out.Tier,
		RiskFactors:      a.Factors,
		Boxes:            out.Merged.Detections,
		Recommendations:  a.Recommendations,
		AnalyzedAt:       time.Now().UTC(),
		ProcessingTimeMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if stream != nil {
		v.MotionScore = stream.MotionScore
	}

	p.count(v)
	return v
}

func (p *Pipeline) count(v models.Verdict) {
	p.nAnalyses.Add(1)
	switch v.TierUsed {
	case models.TierPrimary:
		p.nPrimary.Add(1)
	case models.TierFallback:
		p.nFallback.Add(1)
	case models.TierDemo:
		p.nDemo.Add(1)
	}
	if v.IsStampedeRisk {
		p.nAlerts.Add(1)
	}
}

func (p *Pipeline) Metrics() Metrics {
	p.jobsLock.Lock()
	pending := 0
	for _, j := range p.jobs {
		if !j.isDone() {
			pending++
		}
	}
	p.jobsLock.Unlock()

	p.streamsLock.Lock()
	nStreams := len(p.streams)
	p.streamsLock.Unlock()

	return Metrics{
		Analyses: p.nAnalyses.Load(),
		ByTier: map[string]int64{
			string(models.TierPrimary):  p.nPrimary.Load(),
			string(models.TierFallback): p.nFallback.Load(),
			string(models.TierDemo):     p.nDemo.Load(),
		},
		Alerts:      p.nAlerts.Load(),
		JobsPending: pending,
		Streams:     nStreams,
		SinkDropped: p.nSinkDropped.Load(),
	}
}

// Tiers reports the configured tier chain
func (p *Pipeline) Tiers() []models.Tier {
	return p.selector.Tiers()
}

// Close stops every open stream and flushes queued observations to the sinks.
// Running jobs are left to finish, but their verdicts are no longer delivered to sinks.
func (p *Pipeline) Close() {
	p.streamsLock.Lock()
	all := p.streams
	p.streams = map[string]*stream{}
	p.streamsLock.Unlock()

	for _, s := range all {
		s.stop()
	}

	p.closeOnce.Do(func() {
		close(p.quit)
		<-p.dispatchDone
	})
}
