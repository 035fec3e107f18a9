package memory

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStartsAtOnePerSeriesYear(t *testing.T) {
	store := New()
	ctx := context.Background()

	n, err := store.Next(ctx, "FAC", 2025)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Next(ctx, "FAC", 2025)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Year rollover restarts numbering; the counter is keyed by the pair.
	n, err = store.Next(ctx, "FAC", 2026)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Independent series do not share counters.
	n, err = store.Next(ctx, "REC", 2025)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConcurrentAllocationIsGapless(t *testing.T) {
	store := New()
	ctx := context.Background()
	const goroutines = 100

	numbers := make([]int64, goroutines)
	var wg sync.WaitGroup
	for i := range goroutines {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			n, err := store.Next(ctx, "FAC", 2025)
			assert.NoError(t, err)
			numbers[slot] = n
		}(i)
	}
	wg.Wait()

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for i, n := range numbers {
		require.Equal(t, int64(i+1), n, "duplicate or gap at position %d", i)
	}
}

func TestMarkVoid(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()

	_, err := store.Next(ctx, "FAC", 2025)
	require.NoError(t, err)

	require.NoError(t, store.MarkVoid(ctx, "FAC", 2025, 1, "provisional deleted", now))

	voided, err := store.Voided(ctx, "FAC", 2025)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, voided)

	t.Run("cannot void an unallocated number", func(t *testing.T) {
		err := store.MarkVoid(ctx, "FAC", 2025, 7, "bogus", now)
		assert.Error(t, err)
	})

	t.Run("void never rewinds the counter", func(t *testing.T) {
		n, err := store.Next(ctx, "FAC", 2025)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
}
