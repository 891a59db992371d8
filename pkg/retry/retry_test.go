package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instant(n int) Policy {
	return Policy{MaxAttempts: n}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: time.Second, MaxJitter: 2 * time.Second, Jitter: func() float64 { return 0.5 }}

	assert.Equal(t, 2*time.Second, p.Delay(0))
	assert.Equal(t, 3*time.Second, p.Delay(1))
	assert.Equal(t, 5*time.Second, p.Delay(2))

	p.Jitter = func() float64 { return 0 }
	assert.Equal(t, 4*time.Second, p.Delay(2), "ジッタなしなら純粋な 2^i 秒なのだ")
}

func TestPolicy_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("成功するまで再試行する", func(t *testing.T) {
		calls := 0
		attempts, err := instant(3).Do(ctx, func(ctx context.Context, attempt int) error {
			calls++
			if attempt < 2 {
				return errors.New("transient")
			}
			return nil
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
		assert.Equal(t, 2, calls)
	})

	t.Run("上限に達したら最後のエラーを返す", func(t *testing.T) {
		var notified []int
		attempts, err := instant(3).Do(ctx, func(ctx context.Context, attempt int) error {
			return errors.New("always")
		}, func(err error, attempt int, wait time.Duration) {
			notified = append(notified, attempt)
		})

		require.EqualError(t, err, "always")
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []int{1, 2}, notified)
	})

	t.Run("Permanent は即座に打ち切る", func(t *testing.T) {
		sentinel := errors.New("fatal")
		attempts, err := instant(5).Do(ctx, func(ctx context.Context, attempt int) error {
			return Permanent(sentinel)
		}, nil)

		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, attempts)
	})

	t.Run("キャンセル済みコンテキストでは実行しない", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := instant(3).Do(cctx, func(ctx context.Context, attempt int) error {
			t.Fatal("op should not run")
			return nil
		}, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNewPolicy(t *testing.T) {
	p := NewPolicy(0)
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultBase, p.Base)
	assert.Equal(t, 2, p.WithAttempts(2).MaxAttempts)
}
