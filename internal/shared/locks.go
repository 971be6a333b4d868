package shared

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout signals a bounded lock wait expired before the product lock
// could be taken.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// ProductLocker serializes allocation transactions per product. Each product id
// maps to an exclusive critical section held for the full transaction; entries
// are reference counted so the map does not grow with the catalog.
type ProductLocker struct {
	mu      sync.Mutex
	entries map[int64]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewProductLocker constructs an empty locker.
func NewProductLocker() *ProductLocker {
	return &ProductLocker{entries: make(map[int64]*lockEntry)}
}

// Acquire takes the exclusive lock for productID, waiting at most wait (or the
// context deadline, whichever fires first). On success it returns the release
// function; the caller must invoke it exactly once.
func (l *ProductLocker) Acquire(ctx context.Context, productID int64, wait time.Duration) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[productID]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[productID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case entry.sem <- struct{}{}:
		return func() { l.release(productID, entry) }, nil
	case <-timer.C:
		l.unref(productID, entry)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		l.unref(productID, entry)
		return nil, ErrLockTimeout
	}
}

func (l *ProductLocker) release(productID int64, entry *lockEntry) {
	<-entry.sem
	l.unref(productID, entry)
}

func (l *ProductLocker) unref(productID int64, entry *lockEntry) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, productID)
	}
	l.mu.Unlock()
}
