package shared

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	locker := NewProductLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, 1, time.Second)
	require.NoError(t, err)
	release()

	release, err = locker.Acquire(ctx, 1, time.Second)
	require.NoError(t, err)
	release()
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	locker := NewProductLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, 1, time.Second)
	require.NoError(t, err)
	defer release()

	_, err = locker.Acquire(ctx, 1, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestAcquireDistinctProductsDoNotBlock(t *testing.T) {
	locker := NewProductLocker()
	ctx := context.Background()

	release1, err := locker.Acquire(ctx, 1, 30*time.Millisecond)
	require.NoError(t, err)
	defer release1()

	release2, err := locker.Acquire(ctx, 2, 30*time.Millisecond)
	require.NoError(t, err)
	defer release2()
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	locker := NewProductLocker()

	release, err := locker.Acquire(context.Background(), 1, time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = locker.Acquire(ctx, 1, time.Minute)
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestWaiterGetsLockAfterRelease(t *testing.T) {
	locker := NewProductLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, 1, time.Second)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release2, err := locker.Acquire(ctx, 1, time.Second)
		if err == nil {
			close(acquired)
			release2()
		}
	}()

	time.Sleep(10 * time.Millisecond)
	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestEntriesAreReclaimed(t *testing.T) {
	locker := NewProductLocker()
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, 7, time.Second)
			if err != nil {
				return
			}
			release()
		}()
	}
	wg.Wait()

	locker.mu.Lock()
	defer locker.mu.Unlock()
	require.Empty(t, locker.entries)
}
