// Package retry 按退避策略重试操作
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy 重试次数与间隔；Multiplier 为 1 时固定间隔，为 0 时按 2 倍指数退避
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	Retryable   func(error) bool
	OnRetry     func(attempt int, delay time.Duration, err error)
}

// RetryAfterError 携带服务端建议等待时间的错误
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// Exponential 指数退避
func Exponential(maxAttempts int, base, max time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: base, MaxDelay: max, Multiplier: 2, Jitter: true}
}

// Fixed 固定间隔
func Fixed(maxAttempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: delay, MaxDelay: delay, Multiplier: 1}
}

// Backoff 第 attempt 次重试前的等待时间（从 1 开始，不含抖动）
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult == 0 {
		mult = 2
	}
	wait := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		wait *= mult
		if p.MaxDelay > 0 && wait >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	d := time.Duration(wait)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) delay(attempt int, err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		d := ra.RetryAfter()
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
		return d
	}
	wait := p.Backoff(attempt)
	if p.Jitter && wait > 1 {
		half := wait / 2
		wait = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return wait
}

// Do 重复调用 fn 直到成功、遇到不可重试错误、次数用尽或 ctx 结束，返回最后一次的错误
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		wait := p.delay(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
