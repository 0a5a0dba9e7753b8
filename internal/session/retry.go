package session

import (
	"context"
	"time"
)

// maxRetryDelay は再試行間隔の上限。
const maxRetryDelay = 10 * time.Second

// retryPolicy はプロフィール作成の再試行設定。
type retryPolicy struct {
	attempts int
	initial  time.Duration
}

// delay はattempt回目（1始まり）の失敗後に待つ時間を返す。初回initial、以降2倍ずつ増やす。
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// sleepFunc はctxがキャンセルされるまでdだけ待つ。テストで差し替える。
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retry はfnが成功するかattempts回に達するまで呼び出す。最後のエラーを返す。
// 待機中にctxがキャンセルされた場合はその時点のfnのエラーを返す。
func retry(ctx context.Context, p retryPolicy, sleep sleepFunc, fn func() error, onRetry func(attempt int, delay time.Duration, err error)) error {
	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		d := p.delay(attempt)
		if onRetry != nil {
			onRetry(attempt, d, err)
		}
		if sleepErr := sleep(ctx, d); sleepErr != nil {
			return err
		}
	}
	return err
}
