package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Config{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.25,
	}, DefaultConfig())
}

func TestNext_WithoutJitter(t *testing.T) {
	t.Parallel()
	b := New(Config{
		Initial:    500 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2.0,
	})

	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	var got []time.Duration
	for range want {
		got = append(got, b.Next())
	}
	assert.Equal(t, want, got)
	assert.Equal(t, len(want), b.Steps())
}

func TestNext_JitterMonotonicAndCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Initial:    500 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.5,
	}

	// Many independent sequences so the jitter actually varies.
	for run := 0; run < 200; run++ {
		b := New(cfg)
		var prev time.Duration
		for step := 0; step < 12; step++ {
			d := b.Next()
			require.GreaterOrEqual(t, d, prev, "run %d step %d: delay decreased", run, step)
			require.LessOrEqual(t, d, cfg.Max, "run %d step %d: delay exceeds max", run, step)
			if step == 0 {
				require.GreaterOrEqual(t, d, cfg.Initial, "run %d: first delay below initial", run)
			}
			prev = d
		}
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	b := New(Config{Initial: time.Second, Max: time.Minute, Multiplier: 3})
	for i := 0; i < 4; i++ {
		b.Next()
	}
	b.Reset()
	assert.Equal(t, time.Second, b.Next(), "Next() after Reset")
	assert.Equal(t, 1, b.Steps(), "Steps() after Reset+Next")
}

func TestZeroConfigUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg := New(Config{}).Config()
	assert.Equal(t, DefaultConfig().Initial, cfg.Initial)
	assert.Equal(t, DefaultConfig().Max, cfg.Max)
}

func TestSleep_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Minute), "Sleep on a cancelled context")
}

func TestSleep_Elapses(t *testing.T) {
	t.Parallel()
	assert.True(t, Sleep(context.Background(), time.Millisecond))
}
