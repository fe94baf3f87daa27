package pipeline

import (
	"context"
	"fmt"
	"time"
)

const (
	sinkQueueSize        = 64
	sinkErrorLogInterval = 15 * time.Second
)

// dispatchLoop hands observations to the sinks in order, off the analysis path.
// A slow or unreachable sink delays other sinks, never a verdict.
func (p *Pipeline) dispatchLoop() {
	defer close(p.dispatchDone)
	for {
		select {
		case obs := <-p.observations:
			p.deliver(obs)
		case <-p.quit:
			// Best effort for whatever was already queued
			for {
				select {
				case obs := <-p.observations:
					p.deliver(obs)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) deliver(obs Observation) {
	for i, s := range p.sinks {
		if err := s.Observe(context.Background(), obs); err != nil {
			p.sinkFailures[i]++
			if p.sinkLogDue(i, time.Now()) {
				p.log.Warnf("Sink %v failed for verdict (stream %q): %v (%v failures so far)", sinkName(s), obs.Stream, err, p.sinkFailures[i])
			}
		}
	}
}

// sinkLogDue rate limits error logging per sink. Only called from dispatchLoop.
func (p *Pipeline) sinkLogDue(i int, now time.Time) bool {
	if now.Sub(p.sinkLastLog[i]) <= sinkErrorLogInterval {
		return false
	}
	p.sinkLastLog[i] = now
	return true
}

// emit queues obs for the sinks. If the queue is full the observation is dropped and counted.
func (p *Pipeline) emit(obs Observation) {
	if len(p.sinks) == 0 {
		return
	}
	select {
	case p.observations <- obs:
	default:
		p.nSinkDropped.Add(1)
	}
}

func sinkName(s Sink) string {
	return fmt.Sprintf("%T", s)
}
