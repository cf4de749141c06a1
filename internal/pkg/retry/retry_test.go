package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type throttled struct{ after time.Duration }

func (e throttled) Error() string             { return "429" }
func (e throttled) RetryAfter() time.Duration { return e.after }

var errTransient = errors.New("transient")

func TestDo_SucceedsAfterRetries(t *testing.T) {
	p := Fixed(5, time.Millisecond)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_Exhausted(t *testing.T) {
	p := Fixed(3, time.Millisecond)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryableStops(t *testing.T) {
	fatal := errors.New("fatal")
	p := Fixed(5, time.Millisecond)
	p.Retryable = func(err error) bool { return !errors.Is(err, fatal) }

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Fixed(10, time.Hour)

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context, attempt int) error {
			calls++
			return errTransient
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestDo_HonoursRetryAfter(t *testing.T) {
	p := Exponential(2, time.Hour, time.Hour)

	var waits []time.Duration
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		waits = append(waits, delay)
	}

	_ = p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return throttled{after: 5 * time.Millisecond}
	})

	require.Len(t, waits, 1)
	assert.Equal(t, 5*time.Millisecond, waits[0])
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(5))
	assert.Equal(t, time.Second, p.Backoff(30))

	fixed := Fixed(3, 50*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, fixed.Backoff(3))
}

func TestDelay_JitterWithinBounds(t *testing.T) {
	p := Exponential(5, 100*time.Millisecond, time.Second)

	for i := 0; i < 50; i++ {
		d := p.delay(2, errTransient)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}
