// Package retry реализует повтор операции с экспоненциальной задержкой.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy задаёт параметры повтора.
type Policy struct {
	// MaxAttempts задаёт общее число попыток, включая первую.
	MaxAttempts int
	// BaseDelay задаёт задержку перед второй попыткой, далее она удваивается.
	BaseDelay time.Duration
	// Retryable решает, стоит ли повторять ошибку. nil означает «повторять всё».
	Retryable func(error) bool
	// OnRetry вызывается перед каждой задержкой.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// ExhaustedError возвращается, когда попытки закончились.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do выполняет op, повторяя её согласно политике.
// Неповторяемые ошибки и ошибки отмены контекста возвращаются сразу, без обёртки.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := Backoff(p.BaseDelay, attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: attempts, Err: err}
}

// Backoff возвращает задержку после попытки с номером attempt (начиная с 1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}
	return base << (attempt - 1)
}

// Attempts возвращает число сделанных попыток для ошибки, полученной из Do.
func Attempts(err error) int {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	if err == nil {
		return 0
	}
	return 1
}
