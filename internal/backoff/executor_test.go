package backoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bookingcoord/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	calls := 0
	start := time.Now()
	v, err := Execute(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Second}, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestExecuteInvokesExactlyMaxAttempts(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("max=%d", n), func(t *testing.T) {
			calls := 0
			_, err := Execute(context.Background(), Policy{MaxAttempts: n}, func(ctx context.Context) (int, error) {
				calls++
				return 0, fmt.Errorf("fail %d", calls)
			})
			require.Error(t, err)
			assert.Equal(t, n, calls)
			assert.ErrorIs(t, err, ErrExhausted)

			var exhausted *ExhaustedError
			require.ErrorAs(t, err, &exhausted)
			assert.Equal(t, n, exhausted.Attempts)
			assert.EqualError(t, exhausted.Last, fmt.Sprintf("fail %d", n))
		})
	}
}

func TestExecuteReturnsLastErrorAfterBackoff(t *testing.T) {
	errs := []error{errors.New("first"), errors.New("second"), errors.New("third")}
	calls := 0

	start := time.Now()
	_, err := Execute(context.Background(), Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}, func(ctx context.Context) (struct{}, error) {
		e := errs[calls]
		calls++
		return struct{}{}, e
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, errs[2])
	assert.NotErrorIs(t, err, errs[0])
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestExecuteElapsedWaitMatchesSeries(t *testing.T) {
	policy := Policy{MaxAttempts: 4, BaseDelay: 20 * time.Millisecond}
	calls := 0

	start := time.Now()
	v, err := Execute(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return calls, nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, 60*time.Millisecond, policy.TotalDelay(3))
	assert.GreaterOrEqual(t, elapsed, policy.TotalDelay(3))
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 6, BaseDelay: time.Second}

	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 4*time.Second, p.Delay(4))
	assert.Equal(t, 8*time.Second, p.Delay(5))

	assert.Equal(t, time.Duration(0), p.TotalDelay(1))
	assert.Equal(t, 7*time.Second, p.TotalDelay(4))

	capped := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, 3*time.Second, capped.Delay(8))

	assert.Equal(t, time.Duration(0), Policy{MaxAttempts: 3}.Delay(3))
}

func TestPolicyValidate(t *testing.T) {
	assert.Error(t, Policy{MaxAttempts: 0}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, BaseDelay: -time.Second}.Validate())
	assert.NoError(t, Policy{MaxAttempts: 1}.Validate())

	calls := 0
	_, err := Execute(context.Background(), Policy{}, func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Zero(t, calls)
}

func TestExecuteStopsOnPermanentError(t *testing.T) {
	t.Run("Marked", func(t *testing.T) {
		root := errors.New("bad input")
		calls := 0
		err := Run(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Second}, func(ctx context.Context) error {
			calls++
			return Permanent(root)
		})
		assert.Equal(t, 1, calls)
		assert.Equal(t, root, err)
		assert.NotErrorIs(t, err, ErrExhausted)
	})

	t.Run("Validation", func(t *testing.T) {
		calls := 0
		err := Run(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Second}, func(ctx context.Context) error {
			calls++
			return fmt.Errorf("create booking: %w", models.ErrValidation)
		})
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("x")))
}

func TestExecuteCancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	opErr := errors.New("down")

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Run(ctx, Policy{MaxAttempts: 3, BaseDelay: 5 * time.Second}, func(ctx context.Context) error {
		calls++
		return opErr
	})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, opErr)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Run(ctx, Policy{MaxAttempts: 3}, func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestExecuteAttemptTimeout(t *testing.T) {
	calls := 0
	err := Run(context.Background(), Policy{MaxAttempts: 2, AttemptTimeout: 20 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecuteOnRetryHook(t *testing.T) {
	type retry struct {
		attempt int
		delay   time.Duration
	}
	var seen []retry
	policy := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			seen = append(seen, retry{attempt, delay})
		},
	}
	_ = Run(context.Background(), policy, func(ctx context.Context) error { return errors.New("x") })

	assert.Equal(t, []retry{{2, time.Millisecond}, {3, 2 * time.Millisecond}}, seen)
}

func TestExecuteConcurrentCalls(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	var total atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			calls := 0
			v, err := Execute(context.Background(), policy, func(ctx context.Context) (int, error) {
				calls++
				total.Add(1)
				if calls < 2 {
					return 0, errors.New("flaky")
				}
				return i, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, i, v)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(64), total.Load())
}
