package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	l := New()
	require.True(t, l.TryAcquire("c1"))
	assert.False(t, l.TryAcquire("c2"))
	assert.True(t, l.HeldFor("c1"))
	assert.False(t, l.HeldFor("c2"))
	assert.Equal(t, "c1", l.ConversationID())

	l.Release()
	assert.False(t, l.IsHeld())
	assert.Equal(t, "", l.ConversationID())
	assert.True(t, l.TryAcquire("c2"))
}

func TestCancel(t *testing.T) {
	l := New()
	require.ErrorIs(t, l.Cancel(), ErrNotResponding)

	require.True(t, l.TryAcquire("c1"))
	require.ErrorIs(t, l.Cancel(), ErrNoCancel)

	ctx, cancel := context.WithCancel(context.Background())
	l.SetCancel(cancel)
	require.NoError(t, l.Cancel())
	assert.Error(t, ctx.Err())
	assert.True(t, l.IsHeld(), "cancel does not release the lock")

	l.Release()
	l.SetCancel(func() {})
	require.ErrorIs(t, l.Cancel(), ErrNotResponding)
}

func TestConcurrentAcquireHasSingleWinner(t *testing.T) {
	l := New()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire("c") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}
