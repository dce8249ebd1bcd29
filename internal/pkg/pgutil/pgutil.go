// Package pgutil provides shared Postgres helpers: deadlock detection and
// bounded retry with randomized backoff.
//
// Concurrent partition tasks upserting into the same tenant relations can
// deadlock under load. Postgres aborts one transaction with "deadlock
// detected"; the aborted side retries the whole transaction after a short
// random sleep.
package pgutil

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/lib/pq"
)

// IsDeadlock reports whether err is a Postgres deadlock abort
// (SQLSTATE 40P01).
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40P01"
	}
	// wrapped driver errors lose their type through fmt.Errorf without %w
	return strings.Contains(err.Error(), "deadlock detected")
}

// RetryDeadlock runs fn, retrying up to retries times when it fails with a
// deadlock error. Each retry sleeps a random duration up to half a second.
// Non-deadlock errors return immediately.
func RetryDeadlock(ctx context.Context, retries int, fn func() error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		err = fn()
		if err == nil || !IsDeadlock(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(500 * time.Millisecond)))):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
