package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tutortoise/crowd-safety-service/detections"

	"github.com/cyclopcam/logs"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 4
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

// SessionFactory creates one inference session
type SessionFactory func() (detections.InferenceSession, error)

// ModelSessionPool lends classifier sessions to concurrent analyses. It implements detections.SessionSource.
type ModelSessionPool struct {
	sessions   chan detections.InferenceSession
	size       int
	factory    SessionFactory
	log        logs.Log
	mu         sync.Mutex
	closed     bool
	stop       chan struct{}
	metrics    *PoolMetrics
	lastErrors []error
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

func NewModelSessionPool(factory SessionFactory, size int, log logs.Log) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &ModelSessionPool{
		sessions: make(chan detections.InferenceSession, size),
		size:     size,
		factory:  factory,
		log:      log,
		stop:     make(chan struct{}),
		metrics:  &PoolMetrics{},
	}

	// Initialize sessions
	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	go pool.healthCheck()

	return pool, nil
}

func (p *ModelSessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (detections.InferenceSession, error) {
	if p.isClosed() {
		return nil, fmt.Errorf("pool is closed")
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ModelSessionPool) Release(session detections.InferenceSession) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	// Hold the lock so that Destroy can't close the channel underneath us
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *ModelSessionPool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish recreates sessions that went missing, e.g. because a borrower never returned one
func (p *ModelSessionPool) replenish() {
	p.metrics.mu.RLock()
	inUse := p.metrics.inUse
	p.metrics.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	missing := p.size - len(p.sessions) - inUse
	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordErrorLocked(err)
			p.log.Warnf("Failed to replenish inference session: %v", err)
			continue
		}
		p.sessions <- session
	}
}

func (p *ModelSessionPool) recordErrorLocked(err error) {
	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

// PoolStats is the JSON view of the pool for the metrics endpoint
type PoolStats struct {
	PoolSize        int     `json:"pool_size"`
	Available       int     `json:"available"`
	SessionsInUse   int     `json:"sessions_in_use"`
	TotalAcquired   int64   `json:"total_acquired"`
	TotalReleased   int64   `json:"total_released"`
	AcquireFailures int64   `json:"acquire_failures"`
	AvgWaitMS       float64 `json:"avg_wait_ms"`
	RecentErrors    int     `json:"recent_errors"`
}

func (p *ModelSessionPool) Stats() PoolStats {
	p.metrics.mu.RLock()
	st := PoolStats{
		PoolSize:        p.size,
		SessionsInUse:   p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
	}
	if p.metrics.totalAcquired > 0 {
		st.AvgWaitMS = float64(p.metrics.waitTime.Microseconds()) / 1000 / float64(p.metrics.totalAcquired)
	}
	p.metrics.mu.RUnlock()

	p.mu.Lock()
	st.Available = len(p.sessions)
	st.RecentErrors = len(p.lastErrors)
	p.mu.Unlock()
	return st
}
