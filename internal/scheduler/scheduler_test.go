package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingRefresher struct {
	triggers atomic.Int32
	started  bool
}

func (c *countingRefresher) Trigger(ctx context.Context) bool {
	c.triggers.Add(1)
	return c.started
}

func TestScheduler_TriggersEveryInterval(t *testing.T) {
	r := &countingRefresher{started: true}
	s := New(r, 20*time.Millisecond, zap.NewNop())

	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return r.triggers.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_WaitsForFirstInterval(t *testing.T) {
	r := &countingRefresher{}
	s := New(r, time.Hour, zap.NewNop())

	require.NoError(t, s.Start())
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, r.triggers.Load())
}

func TestScheduler_StopHaltsTicks(t *testing.T) {
	r := &countingRefresher{}
	s := New(r, 20*time.Millisecond, zap.NewNop())
	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return r.triggers.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	time.Sleep(30 * time.Millisecond)
	after := r.triggers.Load()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, after, r.triggers.Load())
}

func TestScheduler_DisabledInterval(t *testing.T) {
	r := &countingRefresher{}
	s := New(r, 0, nil)

	require.NoError(t, s.Start())
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	assert.Zero(t, r.triggers.Load())
}
