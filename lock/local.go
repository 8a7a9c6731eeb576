package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLocker holds locks in process memory.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	wait  time.Duration
}

// NewLocalLocker waits up to wait for a held key before failing with
// ErrNotObtained. A zero wait fails immediately.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{}), wait: wait}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (Release, error) {
	s := l.slot(key)

	select {
	case s <- struct{}{}:
		return l.release(s), nil
	default:
	}
	if l.wait <= 0 {
		return nil, ErrNotObtained
	}

	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case s <- struct{}{}:
		return l.release(s), nil
	case <-timer.C:
		return nil, ErrNotObtained
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) release(s chan struct{}) Release {
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-s })
		return nil
	}
}
