/*
Package lock serializes writers of the same payroll run.

PURPOSE:
  Overrides, authorization and distribution of one run must not interleave.
  The store's compare-and-set catches conflicting writes after the fact; the
  lock keeps a second editor from starting in the first place.

IMPLEMENTATIONS:
  Redis:  bsm/redislock, shared by every server instance, refreshed while held
  Local:  in-process, for a single instance and for tests
*/
package lock

import (
	"context"
	"errors"
)

// ErrNotObtained is returned when the key is held by someone else.
var ErrNotObtained = errors.New("lock not obtained")

// Release gives a held lock back.
type Release func(ctx context.Context) error

// Locker acquires exclusive, expiring locks by key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// RunKey returns the lock key for a payroll run.
func RunKey(runID string) string {
	return "payroll:run:" + runID
}
