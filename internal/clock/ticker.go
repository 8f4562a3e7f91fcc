package clock

import (
	"sync"
	"time"
)

// Ticker is an owned periodic timer. It runs fn on its own goroutine every
// interval until Stop is called. Stop may be called any number of times,
// including from inside fn.
type Ticker struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewTicker starts a ticker. A non-positive interval falls back to one second.
func NewTicker(interval time.Duration, fn func(now time.Time)) *Ticker {
	if interval <= 0 {
		interval = time.Second
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
				// A stop that raced with the tick wins.
				select {
				case <-t.stop:
					return
				default:
				}
				fn(now)
			}
		}
	}()

	return t
}

// Stop cancels the ticker. No fn invocation starts after Stop returns.
func (t *Ticker) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() { close(t.stop) })
}

// Done is closed once the ticker goroutine has exited.
func (t *Ticker) Done() <-chan struct{} {
	return t.done
}
