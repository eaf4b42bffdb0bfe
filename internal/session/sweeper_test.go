package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSweeperValidation(t *testing.T) {
	_, err := NewSweeper(nil, time.Minute)
	require.Error(t, err)

	_, err = NewSweeper(NewLocalStore(), 0)
	require.Error(t, err)
}

func TestSweeperSweep(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0).UTC())
	store := NewLocalStore(WithLocalClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", authedRecord(clock.Now(), time.Minute)))
	require.NoError(t, store.Set(ctx, "long", authedRecord(clock.Now(), time.Hour)))
	clock.Advance(5 * time.Minute)

	sw, err := NewSweeper(store, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 1, sw.Sweep(ctx))
	assert.Equal(t, 1, store.Len())
}

func TestSweeperRunsOnSchedule(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0).UTC())
	store := NewLocalStore(WithLocalClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", authedRecord(clock.Now(), time.Minute)))
	clock.Advance(5 * time.Minute)

	sw, err := NewSweeper(store, time.Second)
	require.NoError(t, err)
	sw.Start()
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sw.Stop(stopCtx)
	})

	require.Eventually(t, func() bool { return store.Len() == 0 }, 3*time.Second, 50*time.Millisecond)
}
