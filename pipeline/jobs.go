package pipeline

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/Tutortoise/crowd-safety-service/models"
	"github.com/Tutortoise/crowd-safety-service/tiers"

	"github.com/google/uuid"
)

var (
	ErrPending       = errors.New("analysis still pending")
	ErrUnknownHandle = errors.New("unknown handle")
)

type job struct {
	created  time.Time
	done     chan struct{}
	finished time.Time
	verdict  models.Verdict
	err      error
}

func (j *job) isDone() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Submit queues img for background analysis and returns a handle for Poll.
// Validation happens on the worker, so an invalid image is reported by Poll.
func (p *Pipeline) Submit(img image.Image) (string, error) {
	handle := uuid.NewString()
	j := &job{
		created: time.Now(),
		done:    make(chan struct{}),
	}

	p.jobsLock.Lock()
	p.evictExpiredLocked(j.created)
	p.jobs[handle] = j
	p.jobsLock.Unlock()

	go p.runJob(handle, j, img)
	return handle, nil
}

func (p *Pipeline) runJob(handle string, j *job, img image.Image) {
	p.workers <- struct{}{}
	defer func() { <-p.workers }()

	var v models.Verdict
	err := p.ValidateImage(img)
	if err == nil {
		ctx := context.Background()
		if p.opts.JobDeadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.opts.JobDeadline)
			defer cancel()
		}
		v = p.analyze(ctx, img, tiers.Hint{}, nil)
		p.emit(Observation{Verdict: v, Image: img})
	} else {
		p.log.Infof("Job %v rejected: %v", handle, err)
	}

	p.jobsLock.Lock()
	j.verdict = v
	j.err = err
	j.finished = time.Now()
	p.jobsLock.Unlock()
	close(j.done)
}

// Poll waits up to wait for the job to finish.
// It returns ErrPending if the job is still within its deadline, and ErrAnalysisTimeout once it is past it.
func (p *Pipeline) Poll(ctx context.Context, handle string, wait time.Duration) (models.Verdict, error) {
	p.jobsLock.Lock()
	j := p.jobs[handle]
	p.jobsLock.Unlock()
	if j == nil {
		return models.Verdict{}, ErrUnknownHandle
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-j.done:
		case <-timer.C:
		case <-ctx.Done():
			return models.Verdict{}, ctx.Err()
		}
	}

	if j.isDone() {
		p.jobsLock.Lock()
		defer p.jobsLock.Unlock()
		return j.verdict, j.err
	}
	if p.opts.JobDeadline > 0 && time.Since(j.created) > p.opts.JobDeadline {
		return models.Verdict{}, models.ErrAnalysisTimeout
	}
	return models.Verdict{}, ErrPending
}

// Await polls PollAttempts times, PollInterval apart, and gives up with ErrAnalysisTimeout
func (p *Pipeline) Await(ctx context.Context, handle string) (models.Verdict, error) {
	for attempt := 0; attempt < p.opts.PollAttempts; attempt++ {
		v, err := p.Poll(ctx, handle, p.opts.PollInterval)
		if !errors.Is(err, ErrPending) {
			return v, err
		}
	}
	return models.Verdict{}, models.ErrAnalysisTimeout
}

func (p *Pipeline) evictExpiredLocked(now time.Time) {
	if p.opts.ResultTTL <= 0 {
		return
	}
	for h, j := range p.jobs {
		if !j.finished.IsZero() && now.Sub(j.finished) > p.opts.ResultTTL {
			delete(p.jobs, h)
		}
	}
}
