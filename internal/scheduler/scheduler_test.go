package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/rs/zerolog"
)

func TestNewRejectsZeroInterval(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	check.Error(t, err)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	sched, err := New(Options{Interval: 10 * time.Millisecond, RunOnStart: true}, zerolog.Nop())
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx, func(ctx context.Context, bucket time.Time) error {
			if ticks.Add(1) >= 3 {
				cancel()
			}
			return errors.New("tick errors do not stop the loop")
		})
	}()

	select {
	case err := <-done:
		check.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	check.True(t, ticks.Load() >= 3)
}

func TestNextTickAligned(t *testing.T) {
	sched, err := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	assert.NoError(t, err)

	now := time.Date(2025, 12, 24, 20, 0, 30, 0, time.UTC)
	check.Equal(t, time.Date(2025, 12, 24, 20, 1, 0, 0, time.UTC), sched.nextTick(now))

	onBoundary := time.Date(2025, 12, 24, 20, 1, 0, 0, time.UTC)
	check.Equal(t, time.Date(2025, 12, 24, 20, 2, 0, 0, time.UTC), sched.nextTick(onBoundary))
}
