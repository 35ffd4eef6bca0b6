package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManagerSerializesSameKey(t *testing.T) {
	m := NewLockManager(time.Second)
	ctx := context.Background()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	release1, err := m.Acquire(ctx, "s1")
	require.NoError(t, err)

	wg.Add(1)
	go func() {
		defer wg.Done()
		release2, err := m.Acquire(ctx, "s1")
		if err != nil {
			t.Error(err)
			return
		}
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		release2()
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	release1()
	wg.Wait()

	assert.Equal(t, []int{1, 2}, order)
}

func TestLockManagerDifferentKeysConcurrent(t *testing.T) {
	m := NewLockManager(time.Second)
	ctx := context.Background()

	releaseA, err := m.Acquire(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	// A held lock on "a" must not block "b".
	done := make(chan struct{})
	go func() {
		releaseB, err := m.Acquire(ctx, "b")
		if err == nil {
			releaseB()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by lock on a")
	}
}

func TestLockManagerTimeout(t *testing.T) {
	m := NewLockManager(50 * time.Millisecond)
	ctx := context.Background()

	release, err := m.Acquire(ctx, "s1")
	require.NoError(t, err)
	defer release()

	_, err = m.Acquire(ctx, "s1")
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestLockManagerContextCancel(t *testing.T) {
	m := NewLockManager(time.Minute)

	release, err := m.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = m.Acquire(ctx, "s1")
	require.True(t, errors.Is(err, context.Canceled))
}

func TestLockManagerReleaseIdempotent(t *testing.T) {
	m := NewLockManager(time.Second)
	release, err := m.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	release()
	release() // second call is a no-op

	// Lock is usable again.
	release2, err := m.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	release2()
}
