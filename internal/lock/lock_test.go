package lock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_WithLockRunsExclusively(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proj-1")
	l := New(Config{RetryAttempts: 5, RetryDelay: 5 * time.Millisecond})

	var inside bool
	err := l.WithLock(context.Background(), path, func() error {
		inside = true
		_, statErr := os.Stat(path + ".lock")
		assert.NoError(t, statErr)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, inside)

	_, statErr := os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(statErr), "lock file should be removed after release")
}

func TestLock_SecondHolderContendsThenSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proj-1")
	first := New(Config{RetryAttempts: 3, RetryDelay: 5 * time.Millisecond})
	second := New(Config{RetryAttempts: 20, RetryDelay: 5 * time.Millisecond})

	released := make(chan struct{})
	go func() {
		_ = first.WithLock(context.Background(), path, func() error {
			<-released
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	done := make(chan error, 1)
	go func() {
		done <- second.WithLock(context.Background(), path, func() error { return nil })
	}()

	close(released)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}

func TestLock_StealsExpiredLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proj-1")
	stale := New(Config{StealThreshold: 10 * time.Millisecond})
	require.NoError(t, stale.writeExclusive(path+".lock"))

	time.Sleep(20 * time.Millisecond)

	thief := New(Config{RetryAttempts: 5, RetryDelay: 5 * time.Millisecond, StealThreshold: 10 * time.Millisecond})
	var ran bool
	err := thief.WithLock(context.Background(), path, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestLock_ReleaseByNonHolderIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proj-1")
	owner := New(Config{})
	other := New(Config{})

	require.NoError(t, owner.writeExclusive(path+".lock"))
	err := other.release(path)
	require.Error(t, err)

	// The lock file is left in place since release was rejected.
	_, statErr := os.Stat(path + ".lock")
	assert.NoError(t, statErr)
}

func TestLock_ContentionWithoutExpiryEventuallyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proj-1")
	owner := New(Config{})
	require.NoError(t, owner.writeExclusive(path+".lock"))

	contender := New(Config{RetryAttempts: 2, RetryDelay: 5 * time.Millisecond, StealThreshold: time.Hour})
	err := contender.WithLock(context.Background(), path, func() error { return nil })
	require.Error(t, err)
}
