// Package retry は外部サービス呼び出しの共通リトライ方針（指数バックオフ + ジッタ）を提供します。
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 3
	DefaultBase        = time.Second
	DefaultMaxJitter   = 2 * time.Second
)

// Policy は試行回数と待機時間の計算方法です。
// i 回目（0始まり）の失敗後の待機は 2^i * Base + random(0, MaxJitter) です。
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	MaxJitter   time.Duration
	// Jitter は [0,1) の乱数源です。nil の場合は math/rand/v2 を使います。
	Jitter func() float64
}

// NewPolicy は既定の待機設定で maxAttempts 回まで試行する Policy を返します。
func NewPolicy(maxAttempts int) Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Policy{MaxAttempts: maxAttempts, Base: DefaultBase, MaxJitter: DefaultMaxJitter}
}

// WithAttempts は試行回数だけを差し替えた Policy を返します。
func (p Policy) WithAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// Delay は index 回目（0始まり）の失敗後に待つ時間を返します。
func (p Policy) Delay(index int) time.Duration {
	d := time.Duration(math.Pow(2, float64(index))) * p.Base
	if p.MaxJitter > 0 {
		r := p.Jitter
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(r() * float64(p.MaxJitter))
	}
	return d
}

// exponential は Policy を backoff.BackOff として扱うためのアダプタです。
type exponential struct {
	policy Policy
	index  int
}

func (e *exponential) NextBackOff() time.Duration {
	d := e.policy.Delay(e.index)
	e.index++
	return d
}

func (e *exponential) Reset() { e.index = 0 }

// Operation は attempt（1始まり）を受け取る1回分の処理です。
type Operation func(ctx context.Context, attempt int) error

// Notify は失敗した試行ごとに、次の待機時間とともに呼ばれます。
type Notify func(err error, attempt int, wait time.Duration)

// Permanent はリトライせずに即座に打ち切るためのエラーを返します。
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do は op を Policy に従って実行し、試行回数と最後のエラーを返します。
func (p Policy) Do(ctx context.Context, op Operation, notify Notify) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	attempts := 0
	b := backoff.WithContext(backoff.WithMaxRetries(&exponential{policy: p}, uint64(maxAttempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		attempts++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op(ctx, attempts)
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempts, wait)
		}
	})
	return attempts, err
}
