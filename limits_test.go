package animhead

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func TestFindLimitStopsAtHardStop(t *testing.T) {
	logger := logging.NewTestLogger(t)
	policy := testPolicy()
	ref := policy.referenceTicks()

	bus := newFakeBus()
	bus.addServo(1, ref, 1600, 2500)
	finder := NewLimitFinder(bus, policy, logger)

	t.Run("forward", func(t *testing.T) {
		res, err := finder.FindLimit(context.Background(), 1, Forward, ref)
		require.NoError(t, err)
		assert.True(t, res.Stalled)
		assert.Equal(t, 2500, res.LimitTicks)
		assert.Greater(t, res.Steps, 1)
	})

	t.Run("backward", func(t *testing.T) {
		// Reset to the reference between sweeps.
		require.NoError(t, bus.MoveTo(context.Background(), 1, ref, 100))
		res, err := finder.FindLimit(context.Background(), 1, Backward, ref)
		require.NoError(t, err)
		assert.True(t, res.Stalled)
		assert.Equal(t, 1600, res.LimitTicks)
	})
}

func TestFindLimitPartialStepStillCountsAsProgress(t *testing.T) {
	// The last step before a stop travels only part of its commanded
	// distance. As long as it clears the stall fraction the stop itself is
	// confirmed on the following step.
	logger := logging.NewTestLogger(t)
	policy := testPolicy()
	ref := policy.referenceTicks()
	step := DegreesToTicks(policy.StepDegrees)

	stop := ref + step + step/2
	bus := newFakeBus()
	bus.addServo(1, ref, ref-1000, stop)
	finder := NewLimitFinder(bus, policy, logger)

	res, err := finder.FindLimit(context.Background(), 1, Forward, ref)
	require.NoError(t, err)
	assert.True(t, res.Stalled)
	assert.Equal(t, stop, res.LimitTicks)
}

func TestFindLimitFullSweepWithoutStall(t *testing.T) {
	logger := logging.NewTestLogger(t)
	policy := testPolicy()
	ref := policy.referenceTicks()

	bus := newFakeBus()
	bus.addFreeServo(1, ref)
	finder := NewLimitFinder(bus, policy, logger)

	res, err := finder.FindLimit(context.Background(), 1, Forward, ref)
	require.NoError(t, err)
	assert.False(t, res.Stalled, "a continuous-rotation servo must not report a stop")
}

func TestFindLimitTreatsReadFailureAsStall(t *testing.T) {
	logger := logging.NewTestLogger(t)
	policy := testPolicy()
	ref := policy.referenceTicks()

	bus := newFakeBus()
	s := bus.addFreeServo(1, ref)
	finder := NewLimitFinder(bus, policy, logger)

	// Take one good step, then stop answering reads.
	res, err := finder.FindLimit(context.Background(), 1, Forward, ref)
	require.NoError(t, err)
	require.False(t, res.Stalled)

	require.NoError(t, bus.MoveTo(context.Background(), 1, ref, 100))
	s.failReads = true
	res, err = finder.FindLimit(context.Background(), 1, Forward, ref)
	require.NoError(t, err)
	assert.True(t, res.Stalled)
	assert.Equal(t, ref, res.LimitTicks, "stall must land on the last confirmed position")
}

func TestFindLimitHonorsCancellation(t *testing.T) {
	logger := logging.NewTestLogger(t)
	policy := testPolicy()
	ref := policy.referenceTicks()

	bus := newFakeBus()
	bus.addFreeServo(1, ref)
	finder := NewLimitFinder(bus, policy, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := finder.FindLimit(ctx, 1, Forward, ref)
	require.Error(t, err)
}
