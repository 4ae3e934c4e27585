// Package retry 提供带指数退避的通用重试封装
package retry

import (
	"context"
	"log"
	"time"

	"github.com/notzero-app/notzero/internal/types"
)

const maxDelay = 30 * time.Second

// WithRetry 以指数退避重试 operation
// 仅重试可重试错误（见 types.IsRetryable）；超过 maxAttempts 后返回最后一次错误。
// 退避间隔 = baseDelay × 2^(attempt-1)，上限 30 秒。
func WithRetry(ctx context.Context, operation func() error, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		// 不可重试的错误立即上抛
		if !types.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(attempt, baseDelay)
		log.Printf("[Retry] 操作失败，%v 后重试 (第 %d/%d 次): %v", delay, attempt, maxAttempts, lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// backoffDelay 计算第 attempt 次失败后的等待时间
func backoffDelay(attempt int, baseDelay time.Duration) time.Duration {
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
