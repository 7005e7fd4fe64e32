package intercom

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrierKeepsPartiesInStep(t *testing.T) {
	const parties, rounds = 3, 500

	b := NewBarrier(parties)
	var arrived [rounds]atomic.Int32
	var wg sync.WaitGroup
	var violations atomic.Int32

	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				arrived[r].Add(1)
				if err := b.Wait(); err != nil {
					t.Error(err)
					return
				}
				// Everyone must have arrived at round r before anyone leaves it
				if arrived[r].Load() != parties {
					violations.Add(1)
				}
			}
		}()
	}

	wg.Wait()
	assert.Zero(t, violations.Load())
	assert.Equal(t, uint64(rounds), b.Generation())
}

func TestBarrierBreakReleasesWaiters(t *testing.T) {
	b := NewBarrier(3)
	errs := make(chan error, 2)

	for i := 0; i < 2; i++ {
		go func() { errs <- b.Wait() }()
	}

	// Give both goroutines a chance to block
	time.Sleep(20 * time.Millisecond)
	b.Break()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrBarrierBroken)
		case <-time.After(time.Second):
			t.Fatal("waiter was not released")
		}
	}

	require.ErrorIs(t, b.Wait(), ErrBarrierBroken)
}

func TestBarrierSingleParty(t *testing.T) {
	b := NewBarrier(1)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Wait())
	}
	assert.Equal(t, uint64(3), b.Generation())
}
