package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	token, err := l.Acquire(ctx, "execution:1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = l.Acquire(ctx, "execution:1", time.Minute)
	assert.ErrorIs(t, err, ErrAcquisitionFailed)

	held, err := l.Held(ctx, "execution:1")
	require.NoError(t, err)
	assert.True(t, held)

	released, err := l.Release(ctx, "execution:1", token)
	require.NoError(t, err)
	assert.True(t, released)

	_, err = l.Acquire(ctx, "execution:1", time.Minute)
	assert.NoError(t, err)
}

func TestReleaseRequiresToken(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	token, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	released, err := l.Release(ctx, "k", "wrong-token")
	require.NoError(t, err)
	assert.False(t, released)

	held, _ := l.Held(ctx, "k")
	assert.True(t, held)

	released, err = l.Release(ctx, "k", token)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestExpiredLockReacquirable(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	_, err := l.Acquire(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	held, err := l.Held(ctx, "k")
	require.NoError(t, err)
	assert.False(t, held)

	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.NoError(t, err)
}

func TestWithLockReleasesOnError(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	boom := errors.New("boom")

	err := WithLock(ctx, l, "k", time.Minute, func(ctx context.Context) error {
		held, _ := l.Held(ctx, "k")
		assert.True(t, held)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	held, _ := l.Held(ctx, "k")
	assert.False(t, held)
}

func TestWithLockContended(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	_, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	err = WithLock(ctx, l, "k", time.Minute, func(ctx context.Context) error {
		t.Fatal("must not run while lock is held elsewhere")
		return nil
	})
	assert.ErrorIs(t, err, ErrAcquisitionFailed)
}
