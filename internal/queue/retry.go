package queue

import (
	"context"
	"errors"
	"net"
)

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable помечает ошибку как временную: очередь повторит задачу целиком.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable сообщает, стоит ли повторять задачу после err.
// Временными считаются явно помеченные ошибки и таймауты.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type attemptKey struct{}

type attemptInfo struct {
	attempt int
	max     int
}

func withAttempt(ctx context.Context, attempt, maxAttempts int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attemptInfo{attempt: attempt, max: maxAttempts})
}

// Attempt возвращает номер текущей попытки задачи (с 1) или 0 вне очереди.
func Attempt(ctx context.Context) int {
	info, _ := ctx.Value(attemptKey{}).(attemptInfo)
	return info.attempt
}

// IsLastAttempt сообщает, что повторов после этой попытки не будет.
// Вне очереди каждая попытка считается последней.
func IsLastAttempt(ctx context.Context) bool {
	info, ok := ctx.Value(attemptKey{}).(attemptInfo)
	return !ok || info.attempt >= info.max
}
