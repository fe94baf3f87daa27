package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tutortoise/crowd-safety-service/detections"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	destroyed atomic.Bool
}

func (f *fakeSession) Input() []float32  { return make([]float32, 4) }
func (f *fakeSession) Output() []float32 { return make([]float32, detections.NumClasses) }
func (f *fakeSession) Run() error        { return nil }
func (f *fakeSession) Destroy()          { f.destroyed.Store(true) }

type fakeFactory struct {
	created []*fakeSession
	failAt  int // fail on this call number, 1-based; 0 never fails
}

func (f *fakeFactory) create() (detections.InferenceSession, error) {
	if f.failAt > 0 && len(f.created)+1 == f.failAt {
		return nil, errors.New("model load failed")
	}
	s := &fakeSession{}
	f.created = append(f.created, s)
	return s, nil
}

func TestPoolAcquireRelease(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := NewModelSessionPool(factory.create, 2, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer pool.Destroy()
	require.Len(t, factory.created, 2)

	var src detections.SessionSource = pool
	a, err := src.Acquire(context.Background())
	require.NoError(t, err)
	b, err := src.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, a, b)

	st := pool.Stats()
	require.Equal(t, 2, st.SessionsInUse)
	require.Equal(t, 0, st.Available)

	// Exhausted pool: the caller's context wins over the acquire timeout
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = src.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	src.Release(a)
	src.Release(b)
	st = pool.Stats()
	require.Equal(t, 0, st.SessionsInUse)
	require.Equal(t, 2, st.Available)
	require.Equal(t, int64(2), st.TotalAcquired)
	require.Equal(t, int64(2), st.TotalReleased)
}

func TestPoolInitFailureDestroysCreatedSessions(t *testing.T) {
	factory := &fakeFactory{failAt: 3}
	_, err := NewModelSessionPool(factory.create, 4, logs.NewTestingLog(t))
	require.Error(t, err)
	require.Len(t, factory.created, 2)
	for _, s := range factory.created {
		require.True(t, s.destroyed.Load())
	}
}

func TestPoolDestroy(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := NewModelSessionPool(factory.create, 2, logs.NewTestingLog(t))
	require.NoError(t, err)

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Destroy()
	pool.Destroy()
	require.True(t, factory.created[0].destroyed.Load() || factory.created[1].destroyed.Load())

	_, err = pool.Acquire(context.Background())
	require.Error(t, err)

	// A session returned after shutdown is destroyed rather than pooled
	pool.Release(held)
	require.True(t, held.(*fakeSession).destroyed.Load())
}

func TestPoolReplenish(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := NewModelSessionPool(factory.create, 3, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer pool.Destroy()

	// Simulate a session that was lost without being released
	lost := <-pool.sessions
	lost.Destroy()

	pool.replenish()
	require.Len(t, factory.created, 4)
	require.Equal(t, 3, pool.Stats().Available)

	// Borrowed sessions are not replaced
	_, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.replenish()
	require.Len(t, factory.created, 4)
}

func TestResolveLibrary(t *testing.T) {
	_, err := resolveLibrary("testdata/does-not-exist.so")
	require.Error(t, err)
}
