package signing

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Lazy builds one Manager on first use and shares it with every caller.
// Concurrent first calls wait on a single construction; a failed
// construction is not cached, so the next Get tries again.
type Lazy struct {
	build func(ctx context.Context) (*Manager, error)
	group singleflight.Group

	mu sync.Mutex
	m  *Manager
}

// NewLazy returns a Lazy that constructs the manager with build.
func NewLazy(build func(ctx context.Context) (*Manager, error)) *Lazy {
	return &Lazy{build: build}
}

// Get returns the shared manager, constructing it if needed. Cancelling ctx
// abandons the wait but not the construction, which other callers may share.
func (l *Lazy) Get(ctx context.Context) (*Manager, error) {
	if m := l.loaded(); m != nil {
		return m, nil
	}

	ch := l.group.DoChan("manager", func() (any, error) {
		if m := l.loaded(); m != nil {
			return m, nil
		}
		m, err := l.build(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.m = m
		l.mu.Unlock()
		return m, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Manager), nil
	}
}

func (l *Lazy) loaded() *Manager {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m
}

// Destroy destroys the shared manager, if any. A later Get builds a new one.
func (l *Lazy) Destroy() {
	l.mu.Lock()
	m := l.m
	l.m = nil
	l.mu.Unlock()
	if m != nil {
		m.Destroy()
	}
}
