package parallel_test

import (
	"context"
	"slices"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Tao/internal/parallel"
	"github.com/stretchr/testify/require"
)

func sleep(ctx context.Context, d time.Duration) (int, error) {
	select {
	case <-time.After(d):
		return int(d / time.Second), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestMap(t *testing.T) {
	t.Parallel()

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

	var testCases = []struct {
		scenario string
		given    int
		then     time.Duration
	}{
		{"limit 0", 0, 18 * time.Second},
		{"limit 1", 1, 18 * time.Second},
		{"limit 2", 2, 12 * time.Second},
		{"limit 10", 10, 10 * time.Second},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				var got []int
				for r := range parallel.Map(t.Context(), tc.given, slices.Values(input), sleep) {
					require.NoError(t, r.Err)
					require.Equal(t, int(r.In/time.Second), r.Out)
					got = append(got, r.Out)
				}
				require.ElementsMatch(t, []int{1, 2, 5, 10}, got)
				require.Equal(t, tc.then, time.Since(start))
			})
		})
	}
}

func TestMap_Break(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		input := []time.Duration{1 * time.Second, 5 * time.Second, 10 * time.Second}
		start := time.Now()
		for r := range parallel.Map(t.Context(), 3, slices.Values(input), sleep) {
			require.Equal(t, 1, r.Out)
			break
		}
		require.Equal(t, 1*time.Second, time.Since(start))
		// pending calls have been canceled
		synctest.Wait()
	})
}

func TestMap_Cancel(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
		defer cancel()
		input := []time.Duration{1 * time.Second, 5 * time.Second, 10 * time.Second}

		start := time.Now()
		var done []int
		for r := range parallel.Map(ctx, 1, slices.Values(input), sleep) {
			if r.Err == nil {
				done = append(done, r.Out)
			}
		}
		require.Equal(t, []int{1}, done)
		require.Equal(t, 3*time.Second, time.Since(start))
	})
}
