package signing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/keyguard/internal/clock"
)

func TestLazy_ConcurrentCallersShareOneManager(t *testing.T) {
	prefix := envPrefix(t)
	var builds atomic.Int32
	lazy := NewLazy(func(ctx context.Context) (*Manager, error) {
		builds.Add(1)
		time.Sleep(20 * time.Millisecond)
		return New(ctx, nil, nil, Config{EnvPrefix: prefix, Logger: discard})
	})
	t.Cleanup(lazy.Destroy)

	const callers = 16
	got := make([]*Manager, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := lazy.Get(context.Background())
			assert.NoError(t, err)
			got[i] = m
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	require.NotNil(t, got[0])
	for _, m := range got {
		assert.Same(t, got[0], m)
	}
}

func TestLazy_FailedBuildIsRetried(t *testing.T) {
	prefix := envPrefix(t)
	var builds atomic.Int32
	lazy := NewLazy(func(ctx context.Context) (*Manager, error) {
		if builds.Add(1) == 1 {
			return nil, errors.New("backend warming up")
		}
		return New(ctx, nil, nil, Config{EnvPrefix: prefix, Logger: discard})
	})
	t.Cleanup(lazy.Destroy)

	_, err := lazy.Get(context.Background())
	assert.EqualError(t, err, "backend warming up")

	m, err := lazy.Get(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, m.CurrentKeyID())
	assert.Equal(t, int32(2), builds.Load())
}

func TestLazy_CancelledWaitDoesNotAbortBuild(t *testing.T) {
	prefix := envPrefix(t)
	release := make(chan struct{})
	var builds atomic.Int32
	lazy := NewLazy(func(ctx context.Context) (*Manager, error) {
		builds.Add(1)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return New(ctx, nil, nil, Config{EnvPrefix: prefix, Clock: clock.NewFixtureClock(epoch), Logger: discard})
	})
	t.Cleanup(lazy.Destroy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := lazy.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	m, err := lazy.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Equal(t, int32(1), builds.Load())
}

func TestLazy_DestroyResets(t *testing.T) {
	prefix := envPrefix(t)
	lazy := NewLazy(func(ctx context.Context) (*Manager, error) {
		return New(ctx, nil, nil, Config{EnvPrefix: prefix, Logger: discard})
	})
	t.Cleanup(lazy.Destroy)

	first, err := lazy.Get(context.Background())
	require.NoError(t, err)
	lazy.Destroy()
	assert.Empty(t, first.CurrentKeyID())

	second, err := lazy.Get(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NotEmpty(t, second.CurrentKeyID())
}
