package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/Tutortoise/crowd-safety-service/models"
	"github.com/Tutortoise/crowd-safety-service/tiers"

	"github.com/google/uuid"
)

var ErrStreamClosed = errors.New("stream closed")

type frameRequest struct {
	img   image.Image
	reply chan frameReply
}

type frameReply struct {
	verdict models.Verdict
	err     error
}

// stream owns one StreamState. Frames are processed strictly one at a time by a single goroutine,
// so the state has exactly one writer.
type stream struct {
	handle  string
	frames  chan frameRequest
	closing chan struct{}
	exited  chan struct{}
	once    sync.Once

	statsLock sync.Mutex
	stats     StreamStats
}

func (s *stream) stop() {
	s.once.Do(func() { close(s.closing) })
}

func (s *stream) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// OpenStream starts a new stream session and returns its handle
func (p *Pipeline) OpenStream() string {
	queue := max(p.opts.StreamQueue, 0)
	s := &stream{
		handle:  uuid.NewString(),
		frames:  make(chan frameRequest, queue),
		closing: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	s.stats.Handle = s.handle

	p.streamsLock.Lock()
	p.streams[s.handle] = s
	p.streamsLock.Unlock()

	go p.streamLoop(s)
	p.log.Infof("Stream %v opened", s.handle)
	return s.handle
}

// SubmitFrame analyzes one frame of a stream and waits for its verdict.
// Frames of the same stream are analyzed in submission order, one at a time.
// If no verdict arrives within the job deadline the caller gets ErrAnalysisTimeout; the frame itself
// still completes and is recorded in the stream's history.
func (p *Pipeline) SubmitFrame(ctx context.Context, handle string, img image.Image) (models.Verdict, error) {
	s := p.lookupStream(handle)
	if s == nil {
		return models.Verdict{}, ErrUnknownHandle
	}
	if err := p.ValidateImage(img); err != nil {
		return models.Verdict{}, err
	}

	req := frameRequest{
		img:   img,
		reply: make(chan frameReply, 1),
	}

	var deadline <-chan time.Time
	if p.opts.JobDeadline > 0 {
		timer := time.NewTimer(p.opts.JobDeadline)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case s.frames <- req:
	case <-s.closing:
		return models.Verdict{}, ErrStreamClosed
	case <-deadline:
		return models.Verdict{}, models.ErrAnalysisTimeout
	case <-ctx.Done():
		return models.Verdict{}, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.verdict, r.err
	case <-s.exited:
		// The loop may have replied just before exiting
		select {
		case r := <-req.reply:
			return r.verdict, r.err
		default:
			return models.Verdict{}, ErrStreamClosed
		}
	case <-deadline:
		return models.Verdict{}, models.ErrAnalysisTimeout
	case <-ctx.Done():
		return models.Verdict{}, ctx.Err()
	}
}

// CloseStream stops accepting frames for handle and releases its state.
// A frame that is already being analyzed runs to completion, but its verdict is discarded.
func (p *Pipeline) CloseStream(handle string) error {
	p.streamsLock.Lock()
	s := p.streams[handle]
	delete(p.streams, handle)
	p.streamsLock.Unlock()
	if s == nil {
		return ErrUnknownHandle
	}
	s.stop()
	p.log.Infof("Stream %v closed", handle)
	return nil
}

func (p *Pipeline) StreamStats(handle string) (StreamStats, error) {
	s := p.lookupStream(handle)
	if s == nil {
		return StreamStats{}, ErrUnknownHandle
	}
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	return s.stats, nil
}

func (p *Pipeline) lookupStream(handle string) *stream {
	p.streamsLock.Lock()
	defer p.streamsLock.Unlock()
	return p.streams[handle]
}

func (p *Pipeline) streamLoop(s *stream) {
	defer close(s.exited)
	state := NewStreamState(p.opts.HistorySize, p.opts.MotionNormalizer)

	for {
		select {
		case <-s.closing:
			return
		case req := <-s.frames:
			v, err := p.analyzeFrameSafe(state, req.img)
			if s.isClosing() {
				req.reply <- frameReply{err: ErrStreamClosed}
				return
			}
			if err != nil {
				req.reply <- frameReply{err: err}
				continue
			}

			s.statsLock.Lock()
			s.stats = state.Stats(s.handle)
			s.statsLock.Unlock()

			req.reply <- frameReply{verdict: v}
			p.emit(Observation{Stream: s.handle, Verdict: v, Image: req.img})
		}
	}
}

// analyzeFrameSafe keeps a panicking frame from taking the process down with the stream goroutine
func (p *Pipeline) analyzeFrameSafe(state *StreamState, img image.Image) (v models.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("Stream frame analysis panicked: %v", r)
			err = fmt.Errorf("frame analysis failed: %v", r)
		}
	}()
	return p.analyzeFrame(state, img), nil
}

func (p *Pipeline) analyzeFrame(state *StreamState, img image.Image) models.Verdict {
	// Frames are analyzed on their own deadline so that a caller giving up doesn't leave a
	// half-finished verdict in the stream's history
	ctx := context.Background()
	if p.opts.JobDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.JobDeadline)
		defer cancel()
	}

	hint := tiers.Hint{}
	if last, ok := state.Last(); ok {
		hint.PreviousCount = last.PeopleCount
		hint.HasPrevious = true
	}

	motion := state.Motion(img)
	v := p.analyze(ctx, img, hint, state.Snapshot(motion))
	state.Record(v)
	return v
}
