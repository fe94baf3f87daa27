// Package capture keeps high-risk frames on disk so they can be labeled later
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/pipeline"

	"github.com/cyclopcam/logs"
	"github.com/disintegration/imaging"
)

// Metadata is written next to every captured frame
type Metadata struct {
	Stream          string    `json:"stream,omitempty"`
	PeopleCount     int       `json:"people_count"`
	ConfidenceScore float64   `json:"confidence_score"`
	CrowdDensity    float64   `json:"crowd_density"`
	MotionScore     float64   `json:"motion_score"`
	RiskLevel       string    `json:"risk_level"`
	TierUsed        string    `json:"tier_used"`
	FactorsRaised   int       `json:"factors_raised"`
	Timestamp       time.Time `json:"timestamp"`
}

// Recorder is a pipeline.Sink that saves every stampede-risk frame as a JPEG plus a JSON sidecar.
// Safe for concurrent use.
type Recorder struct {
	dir     string
	quality int
	log     logs.Log

	seq     atomic.Uint64
	saved   atomic.Uint64
	dropped atomic.Uint64
}

func NewRecorder(cfg config.CaptureConfig, log logs.Log) (*Recorder, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	return &Recorder{
		dir:     cfg.Dir,
		quality: cfg.JPEGQuality,
		log:     log,
	}, nil
}

// Observe implements pipeline.Sink
func (r *Recorder) Observe(ctx context.Context, obs pipeline.Observation) error {
	v := obs.Verdict
	if !v.IsStampedeRisk || obs.Image == nil {
		return nil
	}

	base := fmt.Sprintf("sample_%d_%04d", v.AnalyzedAt.UnixMilli(), r.seq.Add(1))
	imgPath := filepath.Join(r.dir, base+".jpg")
	metaPath := filepath.Join(r.dir, base+".json")

	if err := imaging.Save(obs.Image, imgPath, imaging.JPEGQuality(r.quality)); err != nil {
		r.dropped.Add(1)
		return fmt.Errorf("failed to save %v: %w", imgPath, err)
	}

	meta := Metadata{
		Stream:          obs.Stream,
		PeopleCount:     v.PeopleCount,
		ConfidenceScore: v.ConfidenceScore,
		CrowdDensity:    v.CrowdDensity,
		MotionScore:     v.MotionScore,
		RiskLevel:       string(v.RiskLevel),
		TierUsed:        string(v.TierUsed),
		FactorsRaised:   v.RiskFactors.Count(),
		Timestamp:       v.AnalyzedAt,
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		r.dropped.Add(1)
		return err
	}
	if err := os.WriteFile(metaPath, raw, 0644); err != nil {
		r.dropped.Add(1)
		return fmt.Errorf("failed to write %v: %w", metaPath, err)
	}

	r.saved.Add(1)
	r.log.Infof("Captured high-risk frame %v (%v people)", base, v.PeopleCount)
	return nil
}

type Stats struct {
	Saved   uint64 `json:"saved"`
	Dropped uint64 `json:"dropped"`
}

func (r *Recorder) Stats() Stats {
	return Stats{
		Saved:   r.saved.Load(),
		Dropped: r.dropped.Load(),
	}
}
