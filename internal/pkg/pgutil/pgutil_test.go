package pgutil

import (
	"context"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsDeadlock(t *testing.T) {
	assert.False(t, IsDeadlock(nil))
	assert.False(t, IsDeadlock(errors.New("connection refused")))
	assert.True(t, IsDeadlock(&pq.Error{Code: "40P01"}))
	assert.False(t, IsDeadlock(&pq.Error{Code: "23505"}))
	assert.True(t, IsDeadlock(errors.New("pq: deadlock detected")))
	assert.True(t, IsDeadlock(errors.New("exec block: pq: deadlock detected")))
}

func TestRetryDeadlockSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := RetryDeadlock(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("pq: deadlock detected")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryDeadlockExhausted(t *testing.T) {
	calls := 0
	err := RetryDeadlock(context.Background(), 2, func() error {
		calls++
		return errors.New("pq: deadlock detected")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryDeadlockNonDeadlockReturnsImmediately(t *testing.T) {
	calls := 0
	want := errors.New("syntax error")
	err := RetryDeadlock(context.Background(), 5, func() error {
		calls++
		return want
	})
	assert.Equal(t, want, err)
	assert.Equal(t, 1, calls)
}
