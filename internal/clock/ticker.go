package clock

import (
	"sync"
	"time"
)

// Ticker invokes a callback on a fixed interval until stopped. The callback
// runs on the ticker's goroutine; a slow callback delays the next tick rather
// than overlapping it.
type Ticker struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewTicker starts calling fn every interval. It panics if interval is not positive.
func NewTicker(interval time.Duration, fn func(tick time.Time)) *Ticker {
	if interval <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	t := &Ticker{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-t.stop:
				return
			case now := <-tk.C:
				fn(now)
			}
		}
	}()

	return t
}

// Stop cancels the ticker and waits for an in-flight callback to return.
// It is safe to call more than once, but not from inside the callback.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}
