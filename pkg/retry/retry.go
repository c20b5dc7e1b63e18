// Package retry 提供带指数退避的有限次重试
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config 重试参数
type Config struct {
	MaxAttempts int           // 最大尝试次数 (含第一次)，<= 0 时按 1 处理
	InitialWait time.Duration // 第一次重试前的等待
	MaxWait     time.Duration // 单次等待上限
	Multiplier  float64       // 退避倍数
	Jitter      float64       // 抖动系数 (0-1)

	// OnRetry 每次决定重试前回调，attempt 为刚失败的那次 (从 1 开始)
	OnRetry func(attempt int, err error)
}

// DefaultConfig 默认 3 次尝试
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// RetryableError 标记可重试的错误
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// Retryable 包装 err 使其可被重试，nil 原样返回
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// IsRetryable 判断 err 是否被标记为可重试
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Backoff 返回第 attempt 次失败后的等待时间 (不含抖动)
func (c Config) Backoff(attempt int) time.Duration {
	wait := float64(c.InitialWait) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}
	return time.Duration(wait)
}

// Do 执行 fn，对可重试错误按退避策略重试
// 返回的是最后一次的错误 (已去掉 RetryableError 外壳)
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult 同 Do，但返回 fn 的结果
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		lastErr = unwrapRetryable(err)

		if !IsRetryable(err) || attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		wait := float64(cfg.Backoff(attempt))
		if cfg.Jitter > 0 {
			wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
		}

		timer := time.NewTimer(time.Duration(wait))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}

func unwrapRetryable(err error) error {
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Err
	}
	return err
}
