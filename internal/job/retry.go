package job

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/navportal/internal/repository"
)

// maxRetryDelay はリトライ待機時間の上限。
const maxRetryDelay = 2 * time.Second

// retryDelay はattempt回目（0始まり）の待機時間を返す。base から2倍ずつ増加する。
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// withRetry はfnを最大attempts回実行する。
// ErrDownloadNotActiveは状態が既に変わっていることを示すため、リトライしない。
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func(context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || errors.Is(err, repository.ErrDownloadNotActive) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(retryDelay(base, i))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}
