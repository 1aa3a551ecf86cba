package discussion

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "project:1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := k.Lock(context.Background(), "project:1")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	u1, err := k.Lock(context.Background(), "project:1")
	require.NoError(t, err)
	defer u1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u2, err := k.Lock(ctx, "project:2")
	require.NoError(t, err)
	u2()
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "project:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "project:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, k.held())
}

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l, err := NewRedisLocker("redis://"+mr.Addr(), time.Second)
	require.NoError(t, err)
	l.poll = 5 * time.Millisecond
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.Ping(context.Background()))
	return l, mr
}

func TestRedisLockerBlocksUntilRelease(t *testing.T) {
	l, mr := newTestRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "project:1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("topicbridge:lock:project:1"))
	assert.Greater(t, mr.TTL("topicbridge:lock:project:1"), time.Duration(0))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "project:1")
	require.Error(t, err)

	unlock()
	assert.False(t, mr.Exists("topicbridge:lock:project:1"))

	unlock2, err := l.Lock(context.Background(), "project:1")
	require.NoError(t, err)
	unlock2()
}

func TestRedisLockerStaleReleaseIsNoop(t *testing.T) {
	l, mr := newTestRedisLocker(t)

	staleUnlock, err := l.Lock(context.Background(), "project:1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists("topicbridge:lock:project:1"))

	unlock, err := l.Lock(context.Background(), "project:1")
	require.NoError(t, err)
	owner, err := mr.Get("topicbridge:lock:project:1")
	require.NoError(t, err)

	staleUnlock()
	current, err := mr.Get("topicbridge:lock:project:1")
	require.NoError(t, err)
	assert.Equal(t, owner, current)

	unlock()
	assert.False(t, mr.Exists("topicbridge:lock:project:1"))
}

func TestNewRedisLockerRejectsBadURL(t *testing.T) {
	_, err := NewRedisLocker("not-a-url://", time.Second)
	assert.Error(t, err)
}
