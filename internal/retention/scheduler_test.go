package retention

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) Sweep(context.Context) (*Report, error) {
	s.calls.Add(1)
	return &Report{Mode: ModeNormal}, nil
}

func TestNewSchedulerRejectsInvalidSpec(t *testing.T) {
	_, err := NewScheduler("every five minutes", &countingSweeper{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestSchedulerRunsSweeps(t *testing.T) {
	sweeper := &countingSweeper{}
	s, err := NewScheduler("@every 1s", sweeper, zaptest.NewLogger(t))
	require.NoError(t, err)

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeNormal, report.Mode)
	assert.Equal(t, int32(1), sweeper.calls.Load())

	s.Start()
	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 2 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
}
