package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/models"
	"github.com/cyclopcam/logs"
)

// Don't spam the log when a detector keeps failing on every frame
const errorLogInterval = 15 * time.Second

// RunReport is the outcome of running a set of detectors over one image
type RunReport struct {
	Contributions []Contribution // in detector order, successful detectors only
	Succeeded     []string
	Failed        []string
	Elapsed       time.Duration
}

// Roster holds the detectors that initialized successfully. It is fixed for the lifetime of the process.
type Roster struct {
	Primary  []Detector // every available detector
	Fallback []Detector // geometric detectors only
	Disabled map[string]error
}

// Names of the detectors in the primary roster
func (r *Roster) Available() []string {
	names := make([]string, 0, len(r.Primary))
	for _, d := range r.Primary {
		names = append(names, d.Name())
	}
	return names
}

// BuildRoster constructs every enabled detector. A detector that fails to initialize is left out
// with a warning; the rest of the service keeps running with reduced capability.
// sessions may be nil, in which case the learned classifier is unavailable.
func BuildRoster(cfg config.DetectorsConfig, sessions SessionSource, log logs.Log) *Roster {
	r := &Roster{
		Disabled: map[string]error{},
	}

	if cfg.Face.Enabled {
		if fd, err := NewFaceDetector(cfg.Face); err != nil {
			log.Warnf("Face detector unavailable: %v", err)
			r.Disabled["face"] = err
		} else {
			r.Primary = append(r.Primary, fd)
			r.Fallback = append(r.Fallback, fd)
		}
	}

	if cfg.Silhouette.Enabled {
		sd := NewSilhouetteDetector(cfg.Silhouette)
		r.Primary = append(r.Primary, sd)
		r.Fallback = append(r.Fallback, sd)
	}

	if cfg.Classifier.Enabled {
		if sessions == nil {
			err := fmt.Errorf("%w: no model sessions", models.ErrDetectorUnavailable)
			log.Warnf("Crowd classifier unavailable: %v", err)
			r.Disabled["classifier"] = err
		} else {
			r.Primary = append(r.Primary, NewClassifier(cfg.Classifier, sessions))
		}
	}

	log.Infof("Detector roster: primary %v, %v disabled", r.Available(), len(r.Disabled))
	return r
}

type detectorResult struct {
	index        int
	contribution Contribution
	err          error
}

// Run executes every detector concurrently over img and gathers their contributions.
// A detector that errors or panics contributes nothing; the others are unaffected.
// If ctx ends before all detectors return, Run returns ctx.Err() and any late results are discarded.
func Run(ctx context.Context, log logs.Log, detectors []Detector, img image.Image) (RunReport, error) {
	start := time.Now()

	// Buffered so that detectors which finish after we've given up don't block forever
	results := make(chan detectorResult, len(detectors))
	for i, d := range detectors {
		go func(i int, d Detector) {
			defer func() {
				if r := recover(); r != nil {
					results <- detectorResult{index: i, err: fmt.Errorf("panic: %v", r)}
				}
			}()
			c, err := d.Detect(ctx, img)
			results <- detectorResult{index: i, contribution: c, err: err}
		}(i, d)
	}

	collected := make([]*detectorResult, len(detectors))
	for n := 0; n < len(detectors); n++ {
		select {
		case r := <-results:
			collected[r.index] = &r
		case <-ctx.Done():
			return RunReport{Elapsed: time.Since(start)}, ctx.Err()
		}
	}

	report := RunReport{}
	for i, r := range collected {
		name := detectors[i].Name()
		if r.err != nil {
			report.Failed = append(report.Failed, name)
			logDetectorError(log, name, &DetectorError{Detector: name, Cause: r.err})
			continue
		}
		r.contribution.Detector = name
		report.Contributions = append(report.Contributions, r.contribution)
		report.Succeeded = append(report.Succeeded, name)
	}
	report.Elapsed = time.Since(start)
	return report, nil
}

var (
	lastErrorLogLock sync.Mutex
	lastErrorLog     = map[string]time.Time{}
)

func logDetectorError(log logs.Log, name string, err error) {
	lastErrorLogLock.Lock()
	now := time.Now()
	due := now.Sub(lastErrorLog[name]) > errorLogInterval
	if due {
		lastErrorLog[name] = now
	}
	lastErrorLogLock.Unlock()

	if !due {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Infof("%v", err)
	} else {
		log.Warnf("%v", err)
	}
}
